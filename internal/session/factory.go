// Package session wires the sync engine for one configuration: one component bundle per network
// context, one coordinator per domain and a preload orchestrator per user session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/wallet-sync/internal/cache"
	"github.com/devblac/wallet-sync/internal/config"
	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/live"
	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/metrics"
	"github.com/devblac/wallet-sync/internal/oracle"
	"github.com/devblac/wallet-sync/internal/preload"
	"github.com/devblac/wallet-sync/internal/source/evm"
	"github.com/devblac/wallet-sync/internal/storage"
)

// Backend is what a connector opens for a network context.
type Backend struct {
	Source evm.LogSource
	Oracle oracle.Oracle
	Close  func()
}

// Connector opens the log source and state oracle of a network context.
type Connector func(ctx context.Context, nc evm.NetworkContext, n config.Network) (Backend, error)

// RPCConnector dials the network's JSON-RPC endpoint.
func RPCConnector(ctx context.Context, nc evm.NetworkContext, n config.Network) (Backend, error) {
	client, err := evm.NewRPCClient(ctx, nc.EndpointURL)
	if err != nil {
		return Backend{}, err
	}
	return Backend{
		Source: evm.NewSource(client, nc.Contract, evm.WithRateLimit(n.RPS, n.Burst)),
		Oracle: oracle.NewContract(client, nc.Contract),
		Close:  client.Close,
	}, nil
}

// Components is the stateful bundle shared by every domain on one network context.
type Components struct {
	Network  evm.NetworkContext
	Source   evm.LogSource
	Oracle   oracle.Oracle
	Live     *live.Manager
	Disabled bool

	close func()
}

func (c *Components) shutdown() {
	c.Live.Close()
	if c.close != nil {
		c.close()
	}
}

// Factory builds and owns component bundles keyed by NetworkContext.Key.
type Factory struct {
	cfg     *config.Config
	kv      storage.KV
	cache   *cache.Cache
	connect Connector
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	bundles  map[string]*Components
	statuses map[string]struct{}
}

// Option configures a Factory.
type Option func(*Factory)

func WithLogger(l *slog.Logger) Option      { return func(f *Factory) { f.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(f *Factory) { f.metrics = m } }
func WithConnector(c Connector) Option      { return func(f *Factory) { f.connect = c } }

func NewFactory(cfg *config.Config, kv storage.KV, opts ...Option) (*Factory, error) {
	f := &Factory{
		cfg:      cfg,
		kv:       kv,
		connect:  RPCConnector,
		logger:   logging.Discard(),
		bundles:  map[string]*Components{},
		statuses: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(f)
	}
	c, err := cache.New(kv, cache.WithLogger(f.logger))
	if err != nil {
		return nil, err
	}
	f.cache = c
	return f, nil
}

// Config returns the configuration the factory was built from.
func (f *Factory) Config() *config.Config { return f.cfg }

// Cache returns the shared entity cache.
func (f *Factory) Cache() *cache.Cache { return f.cache }

// NetworkContext resolves the network context of a domain.
func (f *Factory) NetworkContext(d config.Domain) (evm.NetworkContext, config.Network) {
	n, _ := f.cfg.Network(d.Network)
	nc := evm.NetworkContext{ChainID: n.ChainID, EndpointURL: n.RPCURL}
	if common.IsHexAddress(d.Contract) {
		nc.Contract = common.HexToAddress(d.Contract)
	}
	return nc, n
}

// Components returns the bundle for nc, building it on first use. A context without a contract or
// endpoint gets the null source and oracle.
func (f *Factory) Components(ctx context.Context, nc evm.NetworkContext, n config.Network) (*Components, error) {
	key := nc.Key()
	f.mu.Lock()
	if c, ok := f.bundles[key]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	c, err := f.build(ctx, nc, n)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if existing, ok := f.bundles[key]; ok {
		f.mu.Unlock()
		c.shutdown()
		return existing, nil
	}
	f.bundles[key] = c
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) build(ctx context.Context, nc evm.NetworkContext, n config.Network) (*Components, error) {
	logger := f.logger.With("network", n.ID)
	c := &Components{Network: nc}

	switch {
	case nc.Contract == (common.Address{}):
		logger.Warn("no contract configured; domain disabled")
		c.Source, c.Oracle, c.Disabled = evm.Disabled{Reason: "no contract"}, oracle.Disabled{}, true
	case nc.EndpointURL == "":
		logger.Warn("no rpc endpoint configured; domain disabled")
		c.Source, c.Oracle, c.Disabled = evm.Disabled{Reason: "no endpoint"}, oracle.Disabled{}, true
	default:
		b, err := f.connect(ctx, nc, n)
		if err != nil {
			return nil, err
		}
		c.Source, c.Oracle, c.close = b.Source, b.Oracle, b.Close
	}

	c.Live = live.New(c.Source, allTypes(),
		live.WithLogger(f.logger),
		live.WithMetrics(f.metrics),
		live.WithNetwork(n.ID),
		live.WithBackoff(n.Backoff()),
	)
	return c, nil
}

func allTypes() []event.Type {
	return append(event.TypesFor(event.KindTrades), event.TypesFor(event.KindTreasury)...)
}

// StatusKey returns the preload status key of user, scoped by the network contexts of every
// configured domain.
func (f *Factory) StatusKey(user common.Address) string {
	seen := map[string]bool{}
	var scope []string
	for _, d := range f.cfg.Domains {
		nc, _ := f.NetworkContext(d)
		if k := nc.Key(); !seen[k] {
			seen[k] = true
			scope = append(scope, k)
		}
	}
	sort.Strings(scope)
	return preload.StatusKey(strings.Join(scope, "+"), user)
}

func (f *Factory) trackStatus(key string) {
	f.mu.Lock()
	f.statuses[key] = struct{}{}
	f.mu.Unlock()
}

// Switch tears down every bundle and clears the preload status of every session opened so far, e.g.
// when the wallet moves to another network. The next session builds fresh components.
func (f *Factory) Switch(ctx context.Context) error {
	f.mu.Lock()
	keys := f.statuses
	f.statuses = map[string]struct{}{}
	f.mu.Unlock()

	f.teardown()
	for key := range keys {
		if err := f.kv.Remove(ctx, key); err != nil {
			return fmt.Errorf("reset preload status: %w", err)
		}
	}
	return nil
}

func (f *Factory) teardown() {
	f.mu.Lock()
	bundles := f.bundles
	f.bundles = map[string]*Components{}
	f.mu.Unlock()

	for key, c := range bundles {
		c.shutdown()
		f.logger.Debug("components closed", "network_context", key)
	}
	f.cache.Purge()
}

// Close releases every bundle. Persisted status is kept.
func (f *Factory) Close() { f.teardown() }
