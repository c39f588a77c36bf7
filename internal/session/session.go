package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/wallet-sync/internal/cache"
	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/fetcher"
	"github.com/devblac/wallet-sync/internal/live"
	"github.com/devblac/wallet-sync/internal/oracle"
	"github.com/devblac/wallet-sync/internal/preload"
	"github.com/devblac/wallet-sync/internal/syncer"
)

// Domain is one configured domain as wired into a session.
type Domain struct {
	ID          string
	Kind        string
	Components  *Components
	Coordinator *syncer.Coordinator
	Records     *cache.Records
}

// Session is the sync engine of one user. It needs only the public address.
type Session struct {
	factory      *Factory
	user         common.Address
	domains      []*Domain
	orchestrator *preload.Orchestrator

	mu        sync.Mutex
	closed    bool
	listeners []listener
}

type listener struct {
	manager *live.Manager
	token   live.Token
}

// Open wires a session for user over every configured domain.
func (f *Factory) Open(ctx context.Context, user common.Address, opts ...fetcher.Option) (*Session, error) {
	s := &Session{factory: f, user: user}
	syncers := make([]preload.Syncer, 0, len(f.cfg.Domains))
	for _, d := range f.cfg.Domains {
		nc, n := f.NetworkContext(d)
		comps, err := f.Components(ctx, nc, n)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", d.ID, err)
		}
		fopts := append(fetcher.FromNetwork(n), fetcher.WithLogger(f.logger), fetcher.WithMetrics(f.metrics))
		fopts = append(fopts, opts...)
		fetch := fetcher.New(comps.Source, event.TypesFor(d.Kind), fopts...)
		records := cache.NewRecords(f.cache, comps.Oracle, nc.Key(), f.cfg.Global.CacheTTLDuration())
		coord := syncer.New(nc.Key(), d.ID, fetch, records, f.kv,
			syncer.WithLogger(f.logger), syncer.WithMetrics(f.metrics))

		s.domains = append(s.domains, &Domain{ID: d.ID, Kind: d.Kind, Components: comps, Coordinator: coord, Records: records})
		syncers = append(syncers, coord)
	}
	statusKey := f.StatusKey(user)
	f.trackStatus(statusKey)
	s.orchestrator = preload.New(f.kv, syncers, preload.WithLogger(f.logger), preload.WithStatusKey(statusKey))
	if _, err := s.orchestrator.Load(ctx); err != nil {
		f.logger.Warn("restore preload status", "err", err)
	}
	return s, nil
}

func (s *Session) User() common.Address                { return s.user }
func (s *Session) Domains() []*Domain                  { return s.domains }
func (s *Session) Orchestrator() *preload.Orchestrator { return s.orchestrator }

// Domain looks up a domain by id.
func (s *Session) Domain(id string) (*Domain, bool) {
	for _, d := range s.domains {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Preload runs one sync per domain and blocks until all finished.
func (s *Session) Preload(ctx context.Context) bool {
	return s.orchestrator.Run(ctx, s.user)
}

// Record reads the cached state of a record in a domain.
func (s *Session) Record(ctx context.Context, domain string, id event.RecordID) (oracle.RecordData, error) {
	d, ok := s.Domain(domain)
	if !ok {
		return oracle.RecordData{}, fmt.Errorf("unknown domain %q", domain)
	}
	return d.Records.Record(ctx, id)
}

// StartLive subscribes every domain to its network's live feed. Pushed records are merged into the
// domain's index and then passed to onRecord, which may be nil. Domains whose endpoint cannot push
// are skipped and keep relying on scheduled syncs.
func (s *Session) StartLive(ctx context.Context, onRecord func(domain string, r event.Record)) error {
	for _, d := range s.domains {
		if d.Components.Disabled {
			continue
		}
		token, err := d.Components.Live.Subscribe(ctx, s.user, s.handler(context.WithoutCancel(ctx), d, onRecord))
		if errors.Is(err, live.ErrUnsupported) {
			s.factory.logger.Info("live updates unavailable; relying on scheduled sync", "domain", d.ID, "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", d.ID, err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			d.Components.Live.Unsubscribe(token)
			return errors.New("session closed")
		}
		s.listeners = append(s.listeners, listener{manager: d.Components.Live, token: token})
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) handler(ctx context.Context, d *Domain, onRecord func(string, event.Record)) live.Handler {
	tracked := map[event.Type]struct{}{}
	for _, t := range event.TypesFor(d.Kind) {
		tracked[t] = struct{}{}
	}
	return func(r event.Record) {
		if _, ok := tracked[r.Type]; !ok {
			return
		}
		if _, err := d.Coordinator.ApplyLive(ctx, s.user, r); err != nil {
			s.factory.logger.Warn("apply live record", "domain", d.ID, "type", r.Type.String(), "err", err)
		}
		if onRecord != nil {
			onRecord(d.ID, r)
		}
	}
}

// Close unsubscribes every live handler of the session. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.closed = true
	s.mu.Unlock()

	for _, l := range listeners {
		l.manager.Unsubscribe(l.token)
	}
}

// Logout closes the session and clears its persisted preload status. Watermarks and indexes stay so
// the next login resumes incrementally.
func (s *Session) Logout(ctx context.Context) error {
	s.Close()
	if err := s.orchestrator.Reset(ctx); err != nil {
		return fmt.Errorf("reset preload status: %w", err)
	}
	return nil
}
