// Package syncer owns the per-user watermark of one network and domain and turns fetched events
// into record index updates and cache invalidations.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/wallet-sync/internal/cache"
	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/fetcher"
	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/metrics"
	"github.com/devblac/wallet-sync/internal/storage"
)

// State is the sync state of one user.
type State int

const (
	Idle State = iota
	Scanning
	Merging
	// Failed is left by the last unsuccessful cycle and behaves like Idle for the next call.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Merging:
		return "merging"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Watermark is the last block incorporated into the cache for a user.
type Watermark struct {
	Network       string    `json:"network"`
	Domain        string    `json:"domain"`
	User          string    `json:"user"`
	LastProcessed uint64    `json:"last_processed"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WatermarkKey is the KV key of a user's watermark.
func WatermarkKey(network, domain string, user common.Address) string {
	return storage.Key("watermark", network, domain, user.Hex())
}

// Fetcher is the historical fetch dependency.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Result, error)
}

// Result of one sync cycle. InProgress is set when another cycle for the user was already running.
type Result struct {
	NewRecords []event.Record
	Watermark  uint64
	InProgress bool
}

// Coordinator runs sync cycles for one (network, domain).
type Coordinator struct {
	network string
	domain  string
	fetcher Fetcher
	records *cache.Records
	kv      storage.KV
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	states map[common.Address]State
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option      { return func(c *Coordinator) { c.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New builds a coordinator. network is the NetworkContext key.
func New(network, domain string, f Fetcher, records *cache.Records, kv storage.KV, opts ...Option) *Coordinator {
	c := &Coordinator{
		network: network,
		domain:  domain,
		fetcher: f,
		records: records,
		kv:      kv,
		now:     time.Now,
		logger:  logging.Discard(),
		states:  map[common.Address]State{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "syncer", "domain", domain)
	return c
}

// Domain returns the domain this coordinator syncs.
func (c *Coordinator) Domain() string { return c.domain }

// State returns the current state of user.
func (c *Coordinator) State(user common.Address) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[user]
}

// claim moves user into Scanning unless a cycle is already running.
func (c *Coordinator) claim(user common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.states[user] {
	case Scanning, Merging:
		return false
	}
	c.states[user] = Scanning
	return true
}

func (c *Coordinator) set(user common.Address, s State) {
	c.mu.Lock()
	c.states[user] = s
	c.mu.Unlock()
}

// Watermark reads the persisted watermark of user. ok is false when the user never synced.
func (c *Coordinator) Watermark(ctx context.Context, user common.Address) (Watermark, bool, error) {
	var wm Watermark
	ok, err := storage.GetJSON(ctx, c.kv, WatermarkKey(c.network, c.domain, user), &wm)
	if err != nil {
		return Watermark{}, false, fmt.Errorf("read watermark: %w", err)
	}
	return wm, ok, nil
}

// Index returns the record ids indexed for user.
func (c *Coordinator) Index(ctx context.Context, user common.Address) ([]event.RecordID, error) {
	return c.records.Cache().Index(ctx, cache.IndexKey(c.network, c.domain, user))
}

// Sync scans from the user's watermark to the current head, merges the new records and advances the
// watermark. The watermark is written only after the index merge and invalidation succeeded.
func (c *Coordinator) Sync(ctx context.Context, user common.Address) (Result, error) {
	if !c.claim(user) {
		c.metrics.Sync(c.domain, "in_progress")
		return Result{InProgress: true}, nil
	}
	res, err := c.sync(ctx, user)
	if err != nil {
		c.set(user, Failed)
		c.metrics.Sync(c.domain, "failed")
		c.logger.Warn("sync failed; watermark unchanged", "user", user.Hex(), "err", err)
		return Result{}, err
	}
	c.set(user, Idle)
	c.metrics.Sync(c.domain, "ok")
	return res, nil
}

func (c *Coordinator) sync(ctx context.Context, user common.Address) (Result, error) {
	wm, ok, err := c.Watermark(ctx, user)
	if err != nil {
		return Result{}, err
	}
	var from uint64
	if ok {
		from = wm.LastProcessed + 1
	}

	fetched, err := c.fetcher.Fetch(ctx, fetcher.Request{User: user, From: from})
	if err != nil {
		return Result{}, fmt.Errorf("fetch: %w", err)
	}
	if fetched.Empty() || (ok && fetched.To <= wm.LastProcessed) {
		return Result{Watermark: wm.LastProcessed}, nil
	}

	c.set(user, Merging)
	if err := c.merge(ctx, user, fetched.Records); err != nil {
		return Result{}, err
	}

	next := Watermark{
		Network:       c.network,
		Domain:        c.domain,
		User:          user.Hex(),
		LastProcessed: fetched.To,
		UpdatedAt:     c.now().UTC(),
	}
	if err := storage.SetJSON(ctx, c.kv, WatermarkKey(c.network, c.domain, user), next); err != nil {
		return Result{}, fmt.Errorf("write watermark: %w", err)
	}
	c.metrics.Watermark(c.domain, fetched.To)
	c.logger.Info("sync complete", "user", user.Hex(), "from", fetched.From, "to", fetched.To, "records", len(fetched.Records))
	return Result{NewRecords: fetched.Records, Watermark: fetched.To}, nil
}

// merge adds the records' ids to the user's index and invalidates every affected cached record.
func (c *Coordinator) merge(ctx context.Context, user common.Address, records []event.Record) error {
	if len(records) == 0 {
		return nil
	}
	var indexed, affected []event.RecordID
	for _, r := range records {
		ids := r.Payload.Records()
		affected = append(affected, ids...)
		if event.Participates(r, user) {
			indexed = append(indexed, ids...)
		} else if len(ids) > 0 {
			// broadcast: only the shared record concerns this user
			indexed = append(indexed, ids[0])
		}
	}
	if _, err := c.records.Cache().MergeIndex(ctx, cache.IndexKey(c.network, c.domain, user), indexed); err != nil {
		return fmt.Errorf("merge index: %w", err)
	}
	if err := c.records.Invalidate(ctx, affected...); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	return nil
}

// ApplyLive merges a pushed record without touching the watermark; the next historical sync re-reads
// and deduplicates the range. It reports false when a cycle for user is running, in which case that
// cycle or the next one picks the record up.
func (c *Coordinator) ApplyLive(ctx context.Context, user common.Address, r event.Record) (bool, error) {
	if !c.claim(user) {
		return false, nil
	}
	c.set(user, Merging)
	err := c.merge(ctx, user, []event.Record{r})
	c.set(user, Idle)
	if err != nil {
		return false, err
	}
	return true, nil
}
