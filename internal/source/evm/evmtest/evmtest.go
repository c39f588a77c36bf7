// Package evmtest provides an in-memory log source for tests.
package evmtest

import (
	"context"
	"errors"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"

	"github.com/devblac/wallet-sync/internal/source/evm"
)

// Query records one QueryEvents call.
type Query struct {
	From, To uint64
	Topics   []common.Hash
}

// Chain is a fake evm.LogSource backed by a slice of logs.
type Chain struct {
	mu       sync.Mutex
	height   uint64
	logs     []types.Log
	queries  []Query
	failures int
	failErr  error
	subErr   error
	feeds    map[*feed]struct{}
	subCalls int
}

type feed struct {
	logs chan types.Log
	errc chan error
}

var _ evm.LogSource = (*Chain)(nil)

func New() *Chain {
	return &Chain{feeds: map[*feed]struct{}{}}
}

// Add appends logs and raises the head to the highest block seen.
func (c *Chain) Add(logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range logs {
		c.logs = append(c.logs, l)
		if l.BlockNumber > c.height {
			c.height = l.BlockNumber
		}
	}
}

func (c *Chain) SetHeight(h uint64) {
	c.mu.Lock()
	c.height = h
	c.mu.Unlock()
}

// FailNext makes the next n QueryEvents calls return err.
func (c *Chain) FailNext(n int, err error) {
	c.mu.Lock()
	c.failures, c.failErr = n, err
	c.mu.Unlock()
}

// RefuseSubscriptions makes Subscribe return err until reset with nil.
func (c *Chain) RefuseSubscriptions(err error) {
	c.mu.Lock()
	c.subErr = err
	c.mu.Unlock()
}

func (c *Chain) Queries() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Query(nil), c.queries...)
}

// Subscribers returns the number of open subscriptions.
func (c *Chain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.feeds)
}

// SubscribeCalls returns how many subscriptions were ever opened.
func (c *Chain) SubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subCalls
}

// Push delivers l to every open subscription.
func (c *Chain) Push(l types.Log) {
	for _, f := range c.snapshot() {
		f.logs <- l
	}
}

// Break terminates every open subscription with err.
func (c *Chain) Break(err error) {
	for _, f := range c.snapshot() {
		f.errc <- err
	}
}

func (c *Chain) snapshot() []*feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*feed, 0, len(c.feeds))
	for f := range c.feeds {
		out = append(out, f)
	}
	return out
}

func (c *Chain) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *Chain) QueryEvents(ctx context.Context, f evm.Filter, from, to uint64) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, Query{From: from, To: to, Topics: append([]common.Hash(nil), f.Topics...)})
	if c.failures > 0 {
		c.failures--
		return nil, c.failErr
	}
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if !matches(f.Topics, l) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func matches(topics []common.Hash, l types.Log) bool {
	if len(topics) == 0 {
		return true
	}
	if len(l.Topics) == 0 {
		return false
	}
	for _, t := range topics {
		if l.Topics[0] == t {
			return true
		}
	}
	return false
}

func (c *Chain) Subscribe(ctx context.Context, f evm.Filter, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	if c.subErr != nil {
		err := c.subErr
		c.mu.Unlock()
		return nil, err
	}
	fd := &feed{logs: make(chan types.Log, 16), errc: make(chan error, 1)}
	c.feeds[fd] = struct{}{}
	c.subCalls++
	c.mu.Unlock()

	topics := append([]common.Hash(nil), f.Topics...)
	return gethevent.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			c.mu.Lock()
			delete(c.feeds, fd)
			c.mu.Unlock()
		}()
		for {
			select {
			case <-quit:
				return nil
			case err := <-fd.errc:
				return err
			case l := <-fd.logs:
				if !matches(topics, l) {
					continue
				}
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// BlockTime derives a deterministic timestamp of 12 seconds per block.
func (c *Chain) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(number)*12, 0).UTC(), nil
}

// ErrBroken is a convenience error for Break.
var ErrBroken = errors.New("subscription broken")
