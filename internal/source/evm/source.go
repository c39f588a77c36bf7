package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// ErrSourceDisabled marks a source built for a network without a contract or endpoint.
var ErrSourceDisabled = errors.New("log source disabled")

// NetworkContext identifies which log source a sync session targets.
type NetworkContext struct {
	ChainID     uint64
	EndpointURL string
	Contract    common.Address
}

// Key is the stable identifier used for persisted state and component registries.
func (n NetworkContext) Key() string {
	return fmt.Sprintf("%d:%s", n.ChainID, strings.ToLower(n.Contract.Hex()))
}

// Filter selects logs by topic0. Several topics form a union (topic-OR) query.
type Filter struct {
	Topics []common.Hash
}

// LogSource is the queryable, rate-limited event log of one contract.
type LogSource interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, f Filter, from, to uint64) ([]types.Log, error)
	Subscribe(ctx context.Context, f Filter, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// BlockClient captures the subset of ethclient used by the source and the state oracle.
type BlockClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node. ws:// endpoints support live subscriptions.
func NewRPCClient(ctx context.Context, rpcURL string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Source reads one contract's logs through a BlockClient, pacing every call with a token bucket.
type Source struct {
	client   BlockClient
	contract common.Address
	limiter  *rate.Limiter
}

// Option configures a Source.
type Option func(*Source)

// WithRateLimit paces calls to rps requests per second. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Source) {
		if rps <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewSource builds a log source for contract.
func NewSource(client BlockClient, contract common.Address, opts ...Option) *Source {
	s := &Source{
		client:   client,
		contract: contract,
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// CurrentHeight returns the latest block number.
func (s *Source) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	n, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// QueryEvents returns the contract's logs in [from, to] matching f.
func (s *Source) QueryEvents(ctx context.Context, f Filter, from, to uint64) ([]types.Log, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := s.client.FilterLogs(ctx, s.query(f, &from, &to))
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	return logs, nil
}

// Subscribe opens a push subscription for new logs matching f.
func (s *Source) Subscribe(ctx context.Context, f Filter, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	sub, err := s.client.SubscribeFilterLogs(ctx, s.query(f, nil, nil), ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return sub, nil
}

// BlockTime returns the timestamp of block number.
func (s *Source) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	if err := s.wait(ctx); err != nil {
		return time.Time{}, err
	}
	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

func (s *Source) query(f Filter, from, to *uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{s.contract},
	}
	if len(f.Topics) > 0 {
		q.Topics = [][]common.Hash{f.Topics}
	}
	if from != nil {
		q.FromBlock = new(big.Int).SetUint64(*from)
	}
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	return q
}
