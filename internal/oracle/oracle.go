// Package oracle reads the authoritative current state of application records from the contract.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/wallet-sync/internal/event"
)

var (
	// ErrUnknownRecord is returned for record ids the contract has no reader for.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrUnavailable is returned by the disabled oracle.
	ErrUnavailable = errors.New("state oracle unavailable")
)

// RecordData is a snapshot of one record's fields, rendered as strings.
type RecordData struct {
	ID     event.RecordID    `json:"id"`
	Fields map[string]string `json:"fields"`
	ReadAt time.Time         `json:"read_at"`
}

// Oracle reads current record state.
type Oracle interface {
	ReadRecord(ctx context.Context, id event.RecordID) (RecordData, error)
}

// Caller is the contract-call subset of ethclient.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Contract reads records through eth_call on the view functions of the contract ABI.
type Contract struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
	now     func() time.Time
}

func NewContract(caller Caller, address common.Address) *Contract {
	return &Contract{caller: caller, address: address, abi: event.ABI(), now: time.Now}
}

func (c *Contract) ReadRecord(ctx context.Context, id event.RecordID) (RecordData, error) {
	method, arg, err := resolve(id)
	if err != nil {
		return RecordData{}, err
	}
	input, err := c.abi.Pack(method, arg)
	if err != nil {
		return RecordData{}, fmt.Errorf("pack %s: %w", method, err)
	}
	to := c.address
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return RecordData{}, fmt.Errorf("call %s(%s): %w", method, id, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return RecordData{}, fmt.Errorf("unpack %s: %w", method, err)
	}

	outputs := c.abi.Methods[method].Outputs
	fields := make(map[string]string, len(outputs))
	for i, o := range outputs {
		if i < len(values) {
			fields[o.Name] = render(values[i])
		}
	}
	return RecordData{ID: id, Fields: fields, ReadAt: c.now().UTC()}, nil
}

func resolve(id event.RecordID) (string, any, error) {
	kind, key := id.Split()
	switch kind {
	case "trade", "proposal":
		n, ok := new(big.Int).SetString(key, 10)
		if !ok {
			return "", nil, fmt.Errorf("%s: %w", id, ErrUnknownRecord)
		}
		if kind == "trade" {
			return "getTrade", n, nil
		}
		return "getProposal", n, nil
	case "stake":
		if !common.IsHexAddress(key) {
			return "", nil, fmt.Errorf("%s: %w", id, ErrUnknownRecord)
		}
		return "stakeOf", common.HexToAddress(key), nil
	}
	return "", nil, fmt.Errorf("%s: %w", id, ErrUnknownRecord)
}

func render(v any) string {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case bool:
		return strconv.FormatBool(x)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Disabled is the oracle of a domain without a contract.
type Disabled struct{}

func (Disabled) ReadRecord(_ context.Context, id event.RecordID) (RecordData, error) {
	return RecordData{}, fmt.Errorf("%s: %w", id, ErrUnavailable)
}
