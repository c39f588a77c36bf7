package health

import (
	"context"
	"fmt"
	"sort"

	"github.com/devblac/wallet-sync/internal/source/evm"
)

// RPCChecker pings the log source of every enabled domain.
type RPCChecker struct {
	sources map[string]evm.LogSource
	skipped map[string]error
}

// NewRPCChecker creates a checker over domain log sources. Disabled sources are skipped and
// reported by Skipped.
func NewRPCChecker(sources map[string]evm.LogSource) *RPCChecker {
	c := &RPCChecker{sources: map[string]evm.LogSource{}, skipped: map[string]error{}}
	for id, src := range sources {
		switch d := src.(type) {
		case nil:
			c.skipped[id] = evm.ErrSourceDisabled
		case evm.Disabled:
			c.skipped[id] = d.Err()
		case *evm.Disabled:
			if d == nil {
				c.skipped[id] = evm.ErrSourceDisabled
				continue
			}
			c.skipped[id] = d.Err()
		default:
			c.sources[id] = src
		}
	}
	return c
}

// Len reports how many sources are checked.
func (c *RPCChecker) Len() int { return len(c.sources) }

// Skipped returns the disabled domains with the reason each one is not checked.
func (c *RPCChecker) Skipped() map[string]error {
	out := make(map[string]error, len(c.skipped))
	for id, err := range c.skipped {
		out[id] = err
	}
	return out
}

// Ping asks every source for its head height and reports the last failure. With no enabled source
// left it fails with evm.ErrSourceDisabled.
func (c *RPCChecker) Ping(ctx context.Context) error {
	if len(c.sources) == 0 && len(c.skipped) > 0 {
		return fmt.Errorf("%d domains: %w", len(c.skipped), evm.ErrSourceDisabled)
	}
	ids := make([]string, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lastErr error
	for _, id := range ids {
		if _, err := c.sources[id].CurrentHeight(ctx); err != nil {
			lastErr = fmt.Errorf("domain %s: %w", id, err)
		}
	}
	return lastErr
}
