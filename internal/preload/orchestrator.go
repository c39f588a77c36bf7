// Package preload runs one sync per domain in parallel ahead of user unlock and publishes readiness.
package preload

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/storage"
	"github.com/devblac/wallet-sync/internal/syncer"
)

// DefaultStatusKey is where the last status is persisted when no scope is configured.
const DefaultStatusKey = "preload/status"

// StatusKey is the persisted status key of one user within scope, usually the set of network
// contexts the user's domains live on.
func StatusKey(scope string, user common.Address) string {
	return storage.Key("preload", scope, strings.ToLower(user.Hex()), "status")
}

// Status describes the preload state. CacheAge is derived from LastCompletedAt when read.
type Status struct {
	IsRunning       bool            `json:"is_running"`
	PerDomainReady  map[string]bool `json:"per_domain_ready"`
	LastCompletedAt time.Time       `json:"last_completed_at"`
	CacheAge        time.Duration   `json:"cache_age"`
	User            string          `json:"user,omitempty"`
}

func (s Status) clone() Status {
	ready := make(map[string]bool, len(s.PerDomainReady))
	for k, v := range s.PerDomainReady {
		ready[k] = v
	}
	s.PerDomainReady = ready
	return s
}

// Ready reports whether every domain finished its last run.
func (s Status) Ready() bool {
	if len(s.PerDomainReady) == 0 {
		return false
	}
	for _, ok := range s.PerDomainReady {
		if !ok {
			return false
		}
	}
	return true
}

// Syncer is one domain's sync coordinator.
type Syncer interface {
	Domain() string
	Sync(ctx context.Context, user common.Address) (syncer.Result, error)
}

// Orchestrator fans out syncs across domains. Only one run is active at a time.
type Orchestrator struct {
	domains []Syncer
	kv      storage.KV
	key     string
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	status    Status
	epoch     uint64
	idle      chan struct{}
	listeners map[int]func(Status)
	nextID    int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithStatusKey(key string) Option       { return func(o *Orchestrator) { o.key = key } }

func New(kv storage.KV, domains []Syncer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		domains:   domains,
		kv:        kv,
		key:       DefaultStatusKey,
		now:       time.Now,
		logger:    logging.Discard(),
		listeners: map[int]func(Status){},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "preload")
	o.status = o.emptyStatus()
	return o
}

func (o *Orchestrator) emptyStatus() Status {
	ready := make(map[string]bool, len(o.domains))
	for _, d := range o.domains {
		ready[d.Domain()] = false
	}
	return Status{PerDomainReady: ready}
}

// StatusKey returns the key the status is persisted under.
func (o *Orchestrator) StatusKey() string { return o.key }

// Domains lists the configured domains in order.
func (o *Orchestrator) Domains() []string {
	out := make([]string, 0, len(o.domains))
	for _, d := range o.domains {
		out = append(out, d.Domain())
	}
	sort.Strings(out)
	return out
}

// Load restores the persisted status so data age is visible before the first run completes.
func (o *Orchestrator) Load(ctx context.Context) (bool, error) {
	var st Status
	ok, err := storage.GetJSON(ctx, o.kv, o.key, &st)
	if err != nil || !ok {
		return false, err
	}
	st.IsRunning = false
	if st.PerDomainReady == nil {
		st.PerDomainReady = map[string]bool{}
	}
	o.mu.Lock()
	if o.status.IsRunning {
		o.mu.Unlock()
		return false, nil
	}
	o.status = st
	o.mu.Unlock()
	o.publish()
	return true, nil
}

// Start launches a run in the background. It returns false when a run is already active.
func (o *Orchestrator) Start(ctx context.Context, user common.Address) bool {
	epoch, ok := o.claim(user)
	if !ok {
		return false
	}
	go o.run(context.WithoutCancel(ctx), user, epoch)
	return true
}

// Run performs a run and blocks until every domain finished. It returns false when a run was already
// active and nothing was done.
func (o *Orchestrator) Run(ctx context.Context, user common.Address) bool {
	epoch, ok := o.claim(user)
	if !ok {
		return false
	}
	o.run(ctx, user, epoch)
	return true
}

func (o *Orchestrator) claim(user common.Address) (uint64, bool) {
	o.mu.Lock()
	if o.status.IsRunning {
		o.mu.Unlock()
		return 0, false
	}
	epoch := o.epoch
	o.idle = make(chan struct{})
	o.status.IsRunning = true
	o.status.User = user.Hex()
	for _, d := range o.domains {
		o.status.PerDomainReady[d.Domain()] = false
	}
	o.mu.Unlock()
	o.publish()
	return epoch, true
}

// run syncs every domain. Results of a run overtaken by Reset are discarded.
func (o *Orchestrator) run(ctx context.Context, user common.Address, epoch uint64) {
	defer o.finish()
	started := o.now()
	var g errgroup.Group
	for _, d := range o.domains {
		g.Go(func() error {
			res, err := d.Sync(ctx, user)
			switch {
			case err != nil:
				o.logger.Error("domain preload failed", "domain", d.Domain(), "user", user.Hex(), "err", err)
				return nil
			case res.InProgress:
				o.logger.Debug("domain sync already running", "domain", d.Domain())
				return nil
			}
			o.mu.Lock()
			current := o.epoch == epoch
			if current {
				o.status.PerDomainReady[d.Domain()] = true
			}
			o.mu.Unlock()
			if current {
				o.publish()
			}
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	o.status.IsRunning = false
	current := o.epoch == epoch
	anyReady := false
	for _, ok := range o.status.PerDomainReady {
		anyReady = anyReady || ok
	}
	if current && anyReady {
		o.status.LastCompletedAt = o.now().UTC()
	}
	o.mu.Unlock()

	st := o.Status()
	if !current {
		o.logger.Info("preload reset while running; results discarded", "user", user.Hex())
		o.publish()
		return
	}
	if err := storage.SetJSON(ctx, o.kv, o.key, st); err != nil {
		o.logger.Warn("persist preload status", "err", err)
	}
	o.logger.Info("preload finished", "user", user.Hex(), "ready", st.PerDomainReady, "took", o.now().Sub(started).String())
	o.publish()
}

// Status returns a snapshot with CacheAge computed against the clock.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := o.status.clone()
	o.mu.Unlock()
	if !st.LastCompletedAt.IsZero() {
		st.CacheAge = o.now().Sub(st.LastCompletedAt)
	} else {
		st.CacheAge = 0
	}
	return st
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	idle := o.idle
	o.idle = nil
	o.mu.Unlock()
	if idle != nil {
		close(idle)
	}
}

// Wait blocks until no run is active, including its final status write, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether a run is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.IsRunning
}

// OnStatusChange registers cb for every status change and returns its unsubscribe func.
func (o *Orchestrator) OnStatusChange(cb func(Status)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = cb
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) publish() {
	st := o.Status()
	o.mu.Lock()
	cbs := make([]func(Status), 0, len(o.listeners))
	for _, cb := range o.listeners {
		cbs = append(cbs, cb)
	}
	o.mu.Unlock()
	for _, cb := range cbs {
		cb(st)
	}
}

// Reset clears the in-memory and persisted status, e.g. on logout or network switch. A run in flight
// keeps going but its results are not recorded.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	running := o.status.IsRunning
	o.epoch++
	o.status = o.emptyStatus()
	o.status.IsRunning = running
	o.mu.Unlock()
	o.publish()
	return o.kv.Remove(ctx, o.key)
}
