package event

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned for logs whose topic0 is not part of the contract ABI.
var ErrUnknownEvent = errors.New("unknown event")

// ErrRemoved is returned for logs the node flagged as removed by a reorg.
var ErrRemoved = errors.New("log removed")

// Parse decodes a raw log into a typed record. Timestamp is left zero; callers resolve it.
func Parse(log types.Log) (Record, error) {
	if log.Removed {
		return Record{}, ErrRemoved
	}
	if len(log.Topics) == 0 {
		return Record{}, fmt.Errorf("log %s/%d: %w", log.TxHash.Hex(), log.Index, ErrUnknownEvent)
	}
	ev, err := parsedABI.EventByID(log.Topics[0])
	if err != nil {
		return Record{}, fmt.Errorf("log %s/%d: %w", log.TxHash.Hex(), log.Index, ErrUnknownEvent)
	}
	t, ok := ParseType(ev.Name)
	if !ok {
		return Record{}, fmt.Errorf("event %s: %w", ev.Name, ErrUnknownEvent)
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return Record{}, fmt.Errorf("parse topics %s: %w", ev.Name, err)
	}
	if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
		return Record{}, fmt.Errorf("unpack data %s: %w", ev.Name, err)
	}

	payload, err := buildPayload(t, newFields(args))
	if err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", ev.Name, err)
	}

	return Record{
		Type:     t,
		Block:    log.BlockNumber,
		TxHash:   log.TxHash,
		LogIndex: log.Index,
		Payload:  payload,
	}, nil
}

func buildPayload(t Type, f fields) (Payload, error) {
	var p Payload
	switch t {
	case TypeTradeCreated:
		p = TradeCreated{TradeID: f.big("tradeId"), Buyer: f.addr("buyer"), Seller: f.addr("seller"), Approver: f.addr("approver"), Amount: f.big("amount")}
	case TypeTradeFunded:
		p = TradeFunded{TradeID: f.big("tradeId"), Buyer: f.addr("buyer"), Amount: f.big("amount")}
	case TypeDocumentsSubmitted:
		p = DocumentsSubmitted{TradeID: f.big("tradeId"), Seller: f.addr("seller"), DocumentHash: f.str("documentHash")}
	case TypeTradeApproved:
		p = TradeApproved{TradeID: f.big("tradeId"), Approver: f.addr("approver")}
	case TypeTradeStatusChanged:
		p = TradeStatusChanged{TradeID: f.big("tradeId"), OldStatus: f.u8("oldStatus"), NewStatus: f.u8("newStatus")}
	case TypeDisputeRaised:
		p = DisputeRaised{TradeID: f.big("tradeId"), RaisedBy: f.addr("raisedBy"), Reason: f.str("reason")}
	case TypeFundsReleased:
		p = FundsReleased{TradeID: f.big("tradeId"), Seller: f.addr("seller"), Amount: f.big("amount")}
	case TypeTradeRefunded:
		p = TradeRefunded{TradeID: f.big("tradeId"), Buyer: f.addr("buyer"), Amount: f.big("amount")}
	case TypeProposalCreated:
		p = ProposalCreated{ProposalID: f.big("proposalId"), Proposer: f.addr("proposer"), Description: f.str("description")}
	case TypeVoteCast:
		p = VoteCast{ProposalID: f.big("proposalId"), Voter: f.addr("voter"), Support: f.boolean("support"), Weight: f.big("weight")}
	case TypeProposalExecuted:
		p = ProposalExecuted{ProposalID: f.big("proposalId")}
	case TypeStaked:
		p = Staked{Staker: f.addr("staker"), Amount: f.big("amount")}
	case TypeUnstaked:
		p = Unstaked{Staker: f.addr("staker"), Amount: f.big("amount")}
	default:
		return nil, ErrUnknownEvent
	}
	if len(*f.missing) > 0 {
		return nil, fmt.Errorf("missing or mistyped fields %v", *f.missing)
	}
	return p, nil
}

// fields reads typed values out of an abi-decoded map, remembering which ones were absent.
type fields struct {
	args    map[string]any
	missing *[]string
}

func newFields(args map[string]any) fields {
	return fields{args: args, missing: &[]string{}}
}

func (f fields) miss(name string) {
	*f.missing = append(*f.missing, name)
}

func (f fields) big(name string) *big.Int {
	if v, ok := f.args[name].(*big.Int); ok && v != nil {
		return v
	}
	f.miss(name)
	return new(big.Int)
}

func (f fields) addr(name string) common.Address {
	if v, ok := f.args[name].(common.Address); ok {
		return v
	}
	f.miss(name)
	return common.Address{}
}

func (f fields) str(name string) string {
	if v, ok := f.args[name].(string); ok {
		return v
	}
	f.miss(name)
	return ""
}

func (f fields) u8(name string) uint8 {
	if v, ok := f.args[name].(uint8); ok {
		return v
	}
	f.miss(name)
	return 0
}

func (f fields) boolean(name string) bool {
	if v, ok := f.args[name].(bool); ok {
		return v
	}
	f.miss(name)
	return false
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
