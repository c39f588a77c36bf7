// Package event defines the typed contract events the sync engine consumes: a closed set of event
// types, one payload struct per type, record identity, and the user relevance filter.
package event

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Type tags an event variant.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeTradeCreated
	TypeTradeFunded
	TypeDocumentsSubmitted
	TypeTradeApproved
	TypeTradeStatusChanged
	TypeDisputeRaised
	TypeFundsReleased
	TypeTradeRefunded
	TypeProposalCreated
	TypeVoteCast
	TypeProposalExecuted
	TypeStaked
	TypeUnstaked
)

var typeNames = [...]string{
	TypeUnknown:            "Unknown",
	TypeTradeCreated:       "TradeCreated",
	TypeTradeFunded:        "TradeFunded",
	TypeDocumentsSubmitted: "DocumentsSubmitted",
	TypeTradeApproved:      "TradeApproved",
	TypeTradeStatusChanged: "TradeStatusChanged",
	TypeDisputeRaised:      "DisputeRaised",
	TypeFundsReleased:      "FundsReleased",
	TypeTradeRefunded:      "TradeRefunded",
	TypeProposalCreated:    "ProposalCreated",
	TypeVoteCast:           "VoteCast",
	TypeProposalExecuted:   "ProposalExecuted",
	TypeStaked:             "Staked",
	TypeUnstaked:           "Unstaked",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ParseType resolves an event name to its type.
func ParseType(name string) (Type, bool) {
	for i, n := range typeNames {
		if i > 0 && strings.EqualFold(n, name) {
			return Type(i), true
		}
	}
	return TypeUnknown, false
}

// Domain kinds group event types by the contract that emits them.
const (
	KindTrades   = "trades"
	KindTreasury = "treasury"
)

// TypesFor returns the event types tracked for a domain kind.
func TypesFor(kind string) []Type {
	switch kind {
	case KindTrades:
		return []Type{
			TypeTradeCreated, TypeTradeFunded, TypeDocumentsSubmitted, TypeTradeApproved,
			TypeTradeStatusChanged, TypeDisputeRaised, TypeFundsReleased, TypeTradeRefunded,
		}
	case KindTreasury:
		return []Type{TypeProposalCreated, TypeVoteCast, TypeProposalExecuted, TypeStaked, TypeUnstaked}
	default:
		return nil
	}
}

// RecordID names an application record derived from events, e.g. "trade/42".
type RecordID string

func TradeRecord(id *big.Int) RecordID         { return RecordID("trade/" + id.String()) }
func ProposalRecord(id *big.Int) RecordID      { return RecordID("proposal/" + id.String()) }
func StakeRecord(staker common.Address) RecordID { return RecordID("stake/" + strings.ToLower(staker.Hex())) }

// Split returns the record kind and its identifier.
func (id RecordID) Split() (kind, key string) {
	kind, key, _ = strings.Cut(string(id), "/")
	return kind, key
}

// Key is the identity of a record: one event of a given type per transaction.
type Key struct {
	TxHash common.Hash
	Type   Type
}

func (k Key) String() string {
	return k.TxHash.Hex() + ":" + k.Type.String()
}

// Record is a decoded, immutable contract event.
type Record struct {
	Type      Type
	Block     uint64
	TxHash    common.Hash
	LogIndex  uint
	Timestamp time.Time
	Payload   Payload
}

func (r Record) Key() Key {
	return Key{TxHash: r.TxHash, Type: r.Type}
}

// Dedup drops records whose identity key was already seen and orders the rest by position.
func Dedup(records []Record) []Record {
	seen := make(map[Key]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

// Payload is the variant-specific part of a record. The set of implementations is closed.
type Payload interface {
	Type() Type
	// Participants lists the address fields that tie the event to a user.
	Participants() []common.Address
	// Records lists the application records the event changes.
	Records() []RecordID
	// Args flattens the payload for predicate evaluation.
	Args() map[string]any
	isPayload()
}

type TradeCreated struct {
	TradeID  *big.Int
	Buyer    common.Address
	Seller   common.Address
	Approver common.Address
	Amount   *big.Int
}

type TradeFunded struct {
	TradeID *big.Int
	Buyer   common.Address
	Amount  *big.Int
}

type DocumentsSubmitted struct {
	TradeID      *big.Int
	Seller       common.Address
	DocumentHash string
}

type TradeApproved struct {
	TradeID  *big.Int
	Approver common.Address
}

type TradeStatusChanged struct {
	TradeID   *big.Int
	OldStatus uint8
	NewStatus uint8
}

type DisputeRaised struct {
	TradeID  *big.Int
	RaisedBy common.Address
	Reason   string
}

type FundsReleased struct {
	TradeID *big.Int
	Seller  common.Address
	Amount  *big.Int
}

type TradeRefunded struct {
	TradeID *big.Int
	Buyer   common.Address
	Amount  *big.Int
}

type ProposalCreated struct {
	ProposalID  *big.Int
	Proposer    common.Address
	Description string
}

type VoteCast struct {
	ProposalID *big.Int
	Voter      common.Address
	Support    bool
	Weight     *big.Int
}

type ProposalExecuted struct {
	ProposalID *big.Int
}

type Staked struct {
	Staker common.Address
	Amount *big.Int
}

type Unstaked struct {
	Staker common.Address
	Amount *big.Int
}

func (TradeCreated) Type() Type       { return TypeTradeCreated }
func (TradeFunded) Type() Type        { return TypeTradeFunded }
func (DocumentsSubmitted) Type() Type { return TypeDocumentsSubmitted }
func (TradeApproved) Type() Type      { return TypeTradeApproved }
func (TradeStatusChanged) Type() Type { return TypeTradeStatusChanged }
func (DisputeRaised) Type() Type      { return TypeDisputeRaised }
func (FundsReleased) Type() Type      { return TypeFundsReleased }
func (TradeRefunded) Type() Type      { return TypeTradeRefunded }
func (ProposalCreated) Type() Type    { return TypeProposalCreated }
func (VoteCast) Type() Type           { return TypeVoteCast }
func (ProposalExecuted) Type() Type   { return TypeProposalExecuted }
func (Staked) Type() Type             { return TypeStaked }
func (Unstaked) Type() Type           { return TypeUnstaked }

func (p TradeCreated) Participants() []common.Address {
	return []common.Address{p.Buyer, p.Seller, p.Approver}
}
func (p TradeFunded) Participants() []common.Address        { return []common.Address{p.Buyer} }
func (p DocumentsSubmitted) Participants() []common.Address { return []common.Address{p.Seller} }
func (p TradeApproved) Participants() []common.Address      { return []common.Address{p.Approver} }
func (TradeStatusChanged) Participants() []common.Address   { return nil }
func (p DisputeRaised) Participants() []common.Address      { return []common.Address{p.RaisedBy} }
func (p FundsReleased) Participants() []common.Address      { return []common.Address{p.Seller} }
func (p TradeRefunded) Participants() []common.Address      { return []common.Address{p.Buyer} }
func (p ProposalCreated) Participants() []common.Address    { return []common.Address{p.Proposer} }
func (p VoteCast) Participants() []common.Address           { return []common.Address{p.Voter} }
func (ProposalExecuted) Participants() []common.Address     { return nil }
func (p Staked) Participants() []common.Address             { return []common.Address{p.Staker} }
func (p Unstaked) Participants() []common.Address           { return []common.Address{p.Staker} }

func (p TradeCreated) Records() []RecordID       { return []RecordID{TradeRecord(p.TradeID)} }
func (p TradeFunded) Records() []RecordID        { return []RecordID{TradeRecord(p.TradeID)} }
func (p DocumentsSubmitted) Records() []RecordID { return []RecordID{TradeRecord(p.TradeID)} }
func (p TradeApproved) Records() []RecordID      { return []RecordID{TradeRecord(p.TradeID)} }
func (p TradeStatusChanged) Records() []RecordID { return []RecordID{TradeRecord(p.TradeID)} }
func (p DisputeRaised) Records() []RecordID      { return []RecordID{TradeRecord(p.TradeID)} }
func (p FundsReleased) Records() []RecordID      { return []RecordID{TradeRecord(p.TradeID)} }
func (p TradeRefunded) Records() []RecordID      { return []RecordID{TradeRecord(p.TradeID)} }
func (p ProposalCreated) Records() []RecordID    { return []RecordID{ProposalRecord(p.ProposalID)} }
func (p VoteCast) Records() []RecordID {
	return []RecordID{ProposalRecord(p.ProposalID), StakeRecord(p.Voter)}
}
func (p ProposalExecuted) Records() []RecordID { return []RecordID{ProposalRecord(p.ProposalID)} }
func (p Staked) Records() []RecordID           { return []RecordID{StakeRecord(p.Staker)} }
func (p Unstaked) Records() []RecordID         { return []RecordID{StakeRecord(p.Staker)} }

func (p TradeCreated) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "buyer": p.Buyer.Hex(), "seller": p.Seller.Hex(), "approver": p.Approver.Hex(), "amount": p.Amount.String()}
}
func (p TradeFunded) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "buyer": p.Buyer.Hex(), "amount": p.Amount.String()}
}
func (p DocumentsSubmitted) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "seller": p.Seller.Hex(), "documentHash": p.DocumentHash}
}
func (p TradeApproved) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "approver": p.Approver.Hex()}
}
func (p TradeStatusChanged) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "oldStatus": int(p.OldStatus), "newStatus": int(p.NewStatus)}
}
func (p DisputeRaised) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "raisedBy": p.RaisedBy.Hex(), "reason": p.Reason}
}
func (p FundsReleased) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "seller": p.Seller.Hex(), "amount": p.Amount.String()}
}
func (p TradeRefunded) Args() map[string]any {
	return map[string]any{"tradeId": p.TradeID.String(), "buyer": p.Buyer.Hex(), "amount": p.Amount.String()}
}
func (p ProposalCreated) Args() map[string]any {
	return map[string]any{"proposalId": p.ProposalID.String(), "proposer": p.Proposer.Hex(), "description": p.Description}
}
func (p VoteCast) Args() map[string]any {
	return map[string]any{"proposalId": p.ProposalID.String(), "voter": p.Voter.Hex(), "support": p.Support, "weight": p.Weight.String()}
}
func (p ProposalExecuted) Args() map[string]any {
	return map[string]any{"proposalId": p.ProposalID.String()}
}
func (p Staked) Args() map[string]any {
	return map[string]any{"staker": p.Staker.Hex(), "amount": p.Amount.String()}
}
func (p Unstaked) Args() map[string]any {
	return map[string]any{"staker": p.Staker.Hex(), "amount": p.Amount.String()}
}

func (TradeCreated) isPayload()       {}
func (TradeFunded) isPayload()        {}
func (DocumentsSubmitted) isPayload() {}
func (TradeApproved) isPayload()      {}
func (TradeStatusChanged) isPayload() {}
func (DisputeRaised) isPayload()      {}
func (FundsReleased) isPayload()      {}
func (TradeRefunded) isPayload()      {}
func (ProposalCreated) isPayload()    {}
func (VoteCast) isPayload()           {}
func (ProposalExecuted) isPayload()   {}
func (Staked) isPayload()             {}
func (Unstaked) isPayload()           {}
