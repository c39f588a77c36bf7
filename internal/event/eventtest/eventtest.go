// Package eventtest builds raw contract logs for tests.
package eventtest

import (
	"fmt"
	"math/big"

	"github.com/devblac/wallet-sync/internal/event"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract is the address stamped on logs built by Log.
var Contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")

// Addr returns a deterministic address for small test identifiers.
func Addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

// Tx returns a deterministic transaction hash.
func Tx(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n + 0x1000))
}

// Log encodes an event of type typ. values follow the ABI input order, indexed and non-indexed
// interleaved as declared. It panics on mismatched values.
func Log(typ event.Type, block uint64, tx common.Hash, index uint, values ...any) types.Log {
	ev, ok := event.ABI().Events[typ.String()]
	if !ok {
		panic(fmt.Sprintf("eventtest: unknown type %s", typ))
	}
	if len(values) != len(ev.Inputs) {
		panic(fmt.Sprintf("eventtest: %s wants %d values, got %d", typ, len(ev.Inputs), len(values)))
	}

	topics := []common.Hash{ev.ID}
	var data []any
	for i, in := range ev.Inputs {
		if !in.Indexed {
			data = append(data, values[i])
			continue
		}
		switch v := values[i].(type) {
		case common.Address:
			topics = append(topics, common.BytesToHash(v.Bytes()))
		case *big.Int:
			topics = append(topics, common.BigToHash(v))
		default:
			panic(fmt.Sprintf("eventtest: unsupported indexed value %T", v))
		}
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(fmt.Sprintf("eventtest: pack %s: %v", typ, err))
	}

	return types.Log{
		Address:     Contract,
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		TxHash:      tx,
		Index:       index,
	}
}

// TradeCreated builds a TradeCreated log.
func TradeCreated(block uint64, tx common.Hash, tradeID int64, buyer, seller, approver common.Address) types.Log {
	return Log(event.TypeTradeCreated, block, tx, 0, big.NewInt(tradeID), buyer, seller, approver, big.NewInt(1000))
}

// TradeFunded builds a TradeFunded log.
func TradeFunded(block uint64, tx common.Hash, tradeID int64, buyer common.Address) types.Log {
	return Log(event.TypeTradeFunded, block, tx, 0, big.NewInt(tradeID), buyer, big.NewInt(1000))
}

// Staked builds a Staked log.
func Staked(block uint64, tx common.Hash, staker common.Address, amount int64) types.Log {
	return Log(event.TypeStaked, block, tx, 0, staker, big.NewInt(amount))
}
