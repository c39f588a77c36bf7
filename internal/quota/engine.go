// Package quota decides whether a transaction's gas is sponsored from shared daily budgets and tracks
// per-user and global daily spend.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/metrics"
	"github.com/devblac/wallet-sync/internal/storage"
)

const dateLayout = "2006-01-02"

// micros is an amount of USD in millionths; limit arithmetic is done in this unit.
type micros int64

// MaxAmountUSD bounds every amount the engine accepts; larger values would not fit in micros arithmetic.
const MaxAmountUSD = 1e12

// ErrInvalidAmount is returned for negative, non-finite or out-of-range amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// toMicros saturates at ±MaxAmountUSD so comparisons never wrap.
func toMicros(usd float64) micros {
	switch {
	case math.IsNaN(usd):
		return 0
	case usd > MaxAmountUSD:
		usd = MaxAmountUSD
	case usd < -MaxAmountUSD:
		usd = -MaxAmountUSD
	}
	return micros(math.Round(usd * 1e6))
}

func checkAmount(name string, usd float64) error {
	if math.IsNaN(usd) || math.IsInf(usd, 0) || usd < 0 || usd > MaxAmountUSD {
		return fmt.Errorf("%s %v: %w", name, usd, ErrInvalidAmount)
	}
	return nil
}

func (m micros) USD() float64 { return float64(m) / 1e6 }

// Entry is one recorded spend.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	AmountUSD float64   `json:"amount_usd"`
	Token     string    `json:"token,omitempty"`
	Sponsored bool      `json:"sponsored"`
}

// Counter is the spend of one scope on one calendar day.
type Counter struct {
	Scope         string  `json:"scope"`
	Date          string  `json:"date"`
	TotalMicros   int64   `json:"total_micros"`
	TotalSpentUSD float64 `json:"total_spent_usd"`
	Entries       []Entry `json:"entries"`
}

func (c *Counter) add(e Entry) {
	delta := int64(toMicros(e.AmountUSD))
	if c.TotalMicros > math.MaxInt64-delta {
		c.TotalMicros = math.MaxInt64
	} else {
		c.TotalMicros += delta
	}
	c.TotalSpentUSD = micros(c.TotalMicros).USD()
	c.Entries = append(c.Entries, e)
}

// Decision is the outcome of Decide. RemainingUSD is the user's remaining daily budget.
type Decision struct {
	Method       Method  `json:"method"`
	Reason       string  `json:"reason"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// Usage reports both counters of a user as seen today.
type Usage struct {
	Date   string  `json:"date"`
	User   Counter `json:"user"`
	Global Counter `json:"global"`
}

// GlobalKey holds the global counter.
const GlobalKey = "quota/global"

// UserKey names the counter of one user.
func UserKey(user common.Address) string {
	return storage.Key("quota", "user", strings.ToLower(user.Hex()))
}

// Engine renders pay/sponsor decisions. Counter read-modify-write cycles are serialized by mu so
// concurrent usage records are never lost.
type Engine struct {
	kv      storage.KV
	policy  PolicySource
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option       { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *metrics.Metrics) Option  { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func New(kv storage.KV, policy PolicySource, opts ...Option) *Engine {
	e := &Engine{kv: kv, policy: policy, loc: time.UTC, now: time.Now, logger: logging.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "quota")
	return e
}

func (e *Engine) today() string {
	return e.now().In(e.loc).Format(dateLayout)
}

// load reads a counter and applies the lazy daily reset. reset reports whether the stored counter was
// from another day (or absent).
func (e *Engine) load(ctx context.Context, key, scope, today string) (Counter, bool, error) {
	var c Counter
	ok, err := storage.GetJSON(ctx, e.kv, key, &c)
	if err != nil {
		return Counter{}, false, fmt.Errorf("read %s counter: %w", scope, err)
	}
	if !ok || c.Date != today {
		return Counter{Scope: scope, Date: today, Entries: []Entry{}}, true, nil
	}
	return c, false, nil
}

func (e *Engine) save(ctx context.Context, key string, c Counter) error {
	if err := storage.SetJSON(ctx, e.kv, key, c); err != nil {
		return fmt.Errorf("write %s counter: %w", c.Scope, err)
	}
	return nil
}

// loadBoth loads and, when the day changed, persists the reset counters. Callers hold mu.
func (e *Engine) loadBoth(ctx context.Context, user common.Address, today string, persistReset bool) (Counter, Counter, error) {
	uc, ureset, err := e.load(ctx, UserKey(user), "user", today)
	if err != nil {
		return Counter{}, Counter{}, err
	}
	gc, greset, err := e.load(ctx, GlobalKey, "global", today)
	if err != nil {
		return Counter{}, Counter{}, err
	}
	if persistReset && ureset {
		if err := e.save(ctx, UserKey(user), uc); err != nil {
			return Counter{}, Counter{}, err
		}
	}
	if persistReset && greset {
		if err := e.save(ctx, GlobalKey, gc); err != nil {
			return Counter{}, Counter{}, err
		}
	}
	return uc, gc, nil
}

type input struct {
	policy    Policy
	operation string
	estimate  micros
	value     micros
	userUsed  micros
	globalUse micros
}

// rule fails when its predicate holds; the first failing rule decides.
type rule struct {
	name   string
	fails  func(in input) bool
	reason string
}

var rules = []rule{
	{
		name:   "eligibility",
		fails:  func(in input) bool { return !in.policy.eligible(in.operation) },
		reason: "operation not eligible for sponsorship",
	},
	{
		name:   "value_ceiling",
		fails:  func(in input) bool { return in.value > toMicros(in.policy.MaxSponsoredValueUSD) },
		reason: "transaction value too high for sponsorship",
	},
	{
		name:   "user_limit",
		fails:  func(in input) bool { return in.estimate > toMicros(in.policy.PerUserDailyLimitUSD)-in.userUsed },
		reason: "daily limit reached",
	},
	{
		name:   "global_limit",
		fails:  func(in input) bool { return in.estimate > toMicros(in.policy.GlobalDailyLimitUSD)-in.globalUse },
		reason: "global daily limit reached",
	},
}

// Decide renders how the transaction's gas is paid. Errors are returned for store failures and for
// amounts rejected with ErrInvalidAmount.
func (e *Engine) Decide(ctx context.Context, user common.Address, estimatedCostUSD, txValueUSD float64, operation string) (Decision, error) {
	if err := checkAmount("estimated cost", estimatedCostUSD); err != nil {
		return Decision{}, err
	}
	if err := checkAmount("transaction value", txValueUSD); err != nil {
		return Decision{}, err
	}
	p := e.policy.Policy()
	today := e.today()

	e.mu.Lock()
	uc, gc, err := e.loadBoth(ctx, user, today, true)
	e.mu.Unlock()
	if err != nil {
		return Decision{}, err
	}

	in := input{
		policy:    p,
		operation: operation,
		estimate:  toMicros(estimatedCostUSD),
		value:     toMicros(txValueUSD),
		userUsed:  micros(uc.TotalMicros),
		globalUse: micros(gc.TotalMicros),
	}
	remaining := toMicros(p.PerUserDailyLimitUSD) - in.userUsed
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{Method: MethodSponsored, Reason: "sponsored", RemainingUSD: remaining.USD()}
	for _, r := range rules {
		if r.fails(in) {
			d.Method = p.fallback()
			d.Reason = r.reason
			e.logger.Debug("sponsorship denied", "user", user.Hex(), "rule", r.name, "operation", operation)
			break
		}
	}
	e.metrics.QuotaDecision(string(d.Method))
	return d, nil
}

// RecordUsage adds actual spend to the user's counter, and to the global counter only when the
// transaction was sponsored.
func (e *Engine) RecordUsage(ctx context.Context, user common.Address, actualCostUSD float64, wasSponsored bool, token string) error {
	if err := checkAmount("actual cost", actualCostUSD); err != nil {
		return err
	}
	entry := Entry{Timestamp: e.now().UTC(), AmountUSD: actualCostUSD, Token: token, Sponsored: wasSponsored}
	today := e.today()

	e.mu.Lock()
	defer e.mu.Unlock()
	uc, gc, err := e.loadBoth(ctx, user, today, false)
	if err != nil {
		return err
	}
	uc.add(entry)
	if err := e.save(ctx, UserKey(user), uc); err != nil {
		return err
	}
	if !wasSponsored {
		return nil
	}
	gc.add(entry)
	return e.save(ctx, GlobalKey, gc)
}

// Usage returns today's counters without writing resets.
func (e *Engine) Usage(ctx context.Context, user common.Address) (Usage, error) {
	today := e.today()
	e.mu.Lock()
	uc, gc, err := e.loadBoth(ctx, user, today, false)
	e.mu.Unlock()
	if err != nil {
		return Usage{}, err
	}
	return Usage{Date: today, User: uc, Global: gc}, nil
}
