// Package live keeps one standing log subscription per network and fans decoded, relevance-filtered
// records out to the users registered on it.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/metrics"
	"github.com/devblac/wallet-sync/internal/source/evm"
)

var (
	// ErrStopped is returned by Subscribe after Close.
	ErrStopped = errors.New("live manager closed")
	// ErrUnsupported is returned when the endpoint cannot push logs (plain HTTP).
	ErrUnsupported = errors.New("live subscriptions unsupported")
)

const maxBackoffSteps = 10

// Token identifies one registered handler.
type Token string

// Handler receives records relevant to the user it was registered for. Handlers run on the
// subscription goroutine and must not call Stop or Close.
type Handler func(event.Record)

// Manager multiplexes many users over a single subscription.
type Manager struct {
	source  evm.LogSource
	filter  evm.Filter
	network string
	backoff time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[common.Address]map[Token]Handler
	owners   map[Token]common.Address
	active   bool
	closed   bool
	starting *attempt
	cancel   context.CancelFunc
	done     chan struct{}
}

// attempt is one in-flight start shared by the Subscribe calls that arrive while it runs.
type attempt struct {
	done chan struct{}
	err  error
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option       { return func(m *Manager) { m.logger = l } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithNetwork(name string) Option         { return func(m *Manager) { m.network = name } }

// WithBackoff sets the resubscribe backoff unit; attempt n waits n units, capped at ten.
func WithBackoff(unit time.Duration) Option { return func(m *Manager) { m.backoff = unit } }

// New builds a manager for the given event types on source.
func New(source evm.LogSource, tracked []event.Type, opts ...Option) *Manager {
	m := &Manager{
		source:   source,
		filter:   evm.Filter{Topics: event.Topics(tracked)},
		backoff:  time.Second,
		logger:   logging.Discard(),
		handlers: map[common.Address]map[Token]Handler{},
		owners:   map[Token]common.Address{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "live", "network", m.network)
	return m
}

// Subscribe registers handler for user and starts the standing subscription if it is not running.
// Calls made while a start is in flight wait for it and fail with it.
func (m *Manager) Subscribe(ctx context.Context, user common.Address, handler Handler) (Token, error) {
	token := Token(uuid.NewString())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrStopped
	}
	if m.handlers[user] == nil {
		m.handlers[user] = map[Token]Handler{}
	}
	m.handlers[user][token] = handler
	m.owners[token] = user
	if pending := m.starting; pending != nil {
		m.mu.Unlock()
		return m.await(ctx, token, pending)
	}
	if m.active {
		m.mu.Unlock()
		return token, nil
	}
	a := &attempt{done: make(chan struct{})}
	m.starting = a
	m.active = true
	m.mu.Unlock()

	err := m.start(ctx)

	m.mu.Lock()
	m.starting = nil
	a.err = err
	if err != nil {
		m.remove(token)
		m.active = false
	}
	m.mu.Unlock()
	close(a.done)

	if err != nil {
		return "", startErr(err)
	}
	m.logger.Info("live subscription started")
	return token, nil
}

func (m *Manager) await(ctx context.Context, token Token, a *attempt) (Token, error) {
	var err error
	select {
	case <-a.done:
		err = a.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		return token, nil
	}
	m.mu.Lock()
	m.remove(token)
	m.mu.Unlock()
	return "", startErr(err)
}

func startErr(err error) error {
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return err
}

func (m *Manager) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := make(chan types.Log, 64)
	sub, err := m.source.Subscribe(runCtx, m.filter, ch)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})

	m.mu.Lock()
	if !m.active || m.closed {
		// stopped while the subscription was being opened
		m.mu.Unlock()
		sub.Unsubscribe()
		cancel()
		return nil
	}
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go m.run(runCtx, sub, ch, done)
	return nil
}

func (m *Manager) run(ctx context.Context, sub ethereum.Subscription, ch chan types.Log, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case l := <-ch:
			m.dispatch(ctx, l)
		case err := <-sub.Err():
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("live subscription dropped; resubscribing", "err", err)
			sub = m.resubscribe(ctx, ch)
			if sub == nil {
				return
			}
		}
	}
}

func (m *Manager) resubscribe(ctx context.Context, ch chan types.Log) ethereum.Subscription {
	for attempt := 1; ; attempt++ {
		steps := attempt
		if steps > maxBackoffSteps {
			steps = maxBackoffSteps
		}
		t := time.NewTimer(time.Duration(steps) * m.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		sub, err := m.source.Subscribe(ctx, m.filter, ch)
		if err == nil {
			m.logger.Info("live subscription restored", "attempt", attempt)
			return sub
		}
		m.logger.Warn("resubscribe failed", "attempt", attempt, "err", err)
	}
}

func (m *Manager) dispatch(ctx context.Context, l types.Log) {
	rec, err := event.Parse(l)
	if err != nil {
		if !errors.Is(err, event.ErrRemoved) {
			m.metrics.LogDropped(m.network)
			m.logger.Warn("dropping undecodable log", "tx", l.TxHash.Hex(), "index", l.Index, "err", err)
		}
		return
	}
	if ts, err := m.source.BlockTime(ctx, rec.Block); err == nil {
		rec.Timestamp = ts
	} else {
		m.logger.Debug("block time unavailable", "block", rec.Block, "err", err)
	}

	var targets []Handler
	m.mu.Lock()
	for user, hs := range m.handlers {
		if !event.Relevant(rec, user) {
			continue
		}
		for _, h := range hs {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	m.metrics.LiveEvent(m.network)
	for _, h := range targets {
		h(rec)
	}
}

// Unsubscribe removes one handler. Removing the last one tears the subscription down.
func (m *Manager) Unsubscribe(token Token) {
	m.mu.Lock()
	m.remove(token)
	var cancel context.CancelFunc
	if len(m.owners) == 0 && m.active {
		cancel = m.teardown()
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// remove drops token from the registry. Callers hold mu.
func (m *Manager) remove(token Token) {
	user, ok := m.owners[token]
	if !ok {
		return
	}
	delete(m.owners, token)
	delete(m.handlers[user], token)
	if len(m.handlers[user]) == 0 {
		delete(m.handlers, user)
	}
}

// teardown resets the running state and returns the cancel func of the old subscription. Callers hold mu.
func (m *Manager) teardown() context.CancelFunc {
	cancel := m.cancel
	m.active = false
	m.cancel = nil
	m.done = nil
	return cancel
}

// Stop tears down the subscription and clears every registration. It is safe in any state.
func (m *Manager) Stop() {
	m.mu.Lock()
	done := m.done
	cancel := m.teardown()
	m.handlers = map[common.Address]map[Token]Handler{}
	m.owners = map[Token]common.Address{}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Close stops the manager for good; later Subscribe calls fail with ErrStopped.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Stop()
}

// IsActive reports whether the standing subscription is running.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Len returns the number of registered handlers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}
