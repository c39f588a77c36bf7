package evm

import (
	"context"
	"fmt"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// Disabled is the null source used when a network has no contract or endpoint configured.
// It reports an empty chain so syncs complete with no records instead of failing on every call.
type Disabled struct {
	Reason string
}

func (Disabled) CurrentHeight(context.Context) (uint64, error) { return 0, nil }

func (Disabled) QueryEvents(context.Context, Filter, uint64, uint64) ([]types.Log, error) {
	return nil, nil
}

func (Disabled) Subscribe(context.Context, Filter, chan<- types.Log) (ethereum.Subscription, error) {
	return gethevent.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (Disabled) BlockTime(context.Context, uint64) (time.Time, error) { return time.Time{}, nil }

// Err returns ErrSourceDisabled annotated with the reason.
func (d Disabled) Err() error {
	if d.Reason == "" {
		return ErrSourceDisabled
	}
	return fmt.Errorf("%w: %s", ErrSourceDisabled, d.Reason)
}

// IsDisabled reports whether src is the null source.
func IsDisabled(src LogSource) bool {
	switch src.(type) {
	case Disabled, *Disabled:
		return true
	}
	return false
}
