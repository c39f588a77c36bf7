// Package fetcher scans bounded block ranges of the event log in provider-safe windows and returns the
// deduplicated records relevant to one user.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/devblac/wallet-sync/internal/config"
	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/metrics"
	"github.com/devblac/wallet-sync/internal/source/evm"
)

const defaultAttempts = 3

// Request describes one historical fetch. A nil To means the current head.
type Request struct {
	User     common.Address
	From     uint64
	To       *uint64
	MaxRange uint64
}

// Result carries the relevant records and the range that was actually scanned.
type Result struct {
	Records []event.Record
	From    uint64
	To      uint64
}

// Empty reports whether the resolved range contained no positions.
func (r Result) Empty() bool { return r.From > r.To }

// Progress is an advisory completion notification.
type Progress struct {
	Done    int
	Total   int
	Percent float64
}

// Fetcher reads the log source window by window. Windows are queried sequentially.
type Fetcher struct {
	source        evm.LogSource
	types         []event.Type
	network       string
	span          uint64
	maxRange      uint64
	union         bool
	backoff       time.Duration
	attempts      int
	progressEvery int
	onProgress    func(Progress)
	sleep         func(context.Context, time.Duration) error
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithLogger(l *slog.Logger) Option      { return func(f *Fetcher) { f.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(f *Fetcher) { f.metrics = m } }
func WithNetwork(name string) Option        { return func(f *Fetcher) { f.network = name } }
func WithMaxQuerySpan(n uint64) Option      { return func(f *Fetcher) { f.span = n } }
func WithMaxRange(n uint64) Option          { return func(f *Fetcher) { f.maxRange = n } }
func WithUnionFilter(enabled bool) Option   { return func(f *Fetcher) { f.union = enabled } }
func WithBackoff(unit time.Duration) Option { return func(f *Fetcher) { f.backoff = unit } }

// WithProgress registers cb to be called every few windows and once when the scan completes.
func WithProgress(cb func(Progress)) Option { return func(f *Fetcher) { f.onProgress = cb } }

// WithProgressEvery sets how many windows pass between progress notifications.
func WithProgressEvery(n int) Option { return func(f *Fetcher) { f.progressEvery = n } }

// WithSleep replaces the retry sleeper, mainly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// FromNetwork maps a network section onto fetcher options.
func FromNetwork(n config.Network) []Option {
	return []Option{
		WithNetwork(n.ID),
		WithMaxQuerySpan(n.MaxQuerySpan),
		WithMaxRange(n.MaxRange),
		WithUnionFilter(n.SupportsUnion()),
		WithBackoff(n.Backoff()),
		WithProgressEvery(n.ProgressEvery),
	}
}

// New builds a fetcher over source tracking the given event types.
func New(source evm.LogSource, tracked []event.Type, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:        source,
		types:         tracked,
		span:          config.DefaultMaxQuerySpan,
		maxRange:      config.DefaultMaxRange,
		union:         true,
		backoff:       config.DefaultRetryBackoff,
		attempts:      defaultAttempts,
		progressEvery: config.DefaultProgress,
		sleep:         sleepCtx,
		logger:        logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.span == 0 {
		f.span = config.DefaultMaxQuerySpan
	}
	if f.maxRange == 0 {
		f.maxRange = config.DefaultMaxRange
	}
	if f.attempts <= 0 {
		f.attempts = defaultAttempts
	}
	f.logger = f.logger.With("component", "fetcher", "network", f.network)
	return f
}

// MaxRange returns the configured first-run clamp.
func (f *Fetcher) MaxRange() uint64 { return f.maxRange }

// Fetch scans the requested range and returns deduplicated records relevant to req.User.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	var to uint64
	if req.To != nil {
		to = *req.To
	} else {
		err := f.retry(ctx, "current height", func() error {
			h, err := f.source.CurrentHeight(ctx)
			to = h
			return err
		})
		if err != nil {
			return Result{}, err
		}
	}

	maxRange := req.MaxRange
	if maxRange == 0 {
		maxRange = f.maxRange
	}
	from := req.From
	if to > maxRange && from < to-maxRange {
		floor := to - maxRange
		f.logger.Warn("scan range clamped; older history is not retrievable through this path",
			"requested_from", from, "from", floor, "to", to, "unreachable_to", floor-1)
		from = floor
	}
	res := Result{From: from, To: to}
	if from > to {
		return res, nil
	}

	windows := split(from, to, f.span)
	filters := f.filters()
	var logs []types.Log
	for i, w := range windows {
		for _, flt := range filters {
			var batch []types.Log
			err := f.retry(ctx, "query events", func() error {
				var err error
				batch, err = f.source.QueryEvents(ctx, flt, w.from, w.to)
				return err
			})
			if err != nil {
				return Result{}, fmt.Errorf("window [%d,%d]: %w", w.from, w.to, err)
			}
			logs = append(logs, batch...)
		}
		f.metrics.WindowQueried(f.network)
		f.progress(i+1, len(windows))
	}

	records := event.FilterRelevant(event.Dedup(f.decode(logs)), req.User)
	if err := f.stamp(ctx, records); err != nil {
		return Result{}, err
	}
	f.metrics.RecordsFetched(f.network, len(records))
	f.logger.Debug("fetch complete", "user", req.User.Hex(), "from", from, "to", to,
		"windows", len(windows), "logs", len(logs), "records", len(records))
	res.Records = records
	return res, nil
}

type window struct{ from, to uint64 }

func split(from, to, span uint64) []window {
	var out []window
	for start := from; ; {
		end := to
		if to-start >= span {
			end = start + span - 1
		}
		out = append(out, window{start, end})
		if end >= to {
			return out
		}
		start = end + 1
	}
}

func (f *Fetcher) filters() []evm.Filter {
	if f.union {
		return []evm.Filter{{Topics: event.Topics(f.types)}}
	}
	out := make([]evm.Filter, 0, len(f.types))
	for _, t := range f.types {
		out = append(out, evm.Filter{Topics: []common.Hash{event.Topic(t)}})
	}
	return out
}

func (f *Fetcher) decode(logs []types.Log) []event.Record {
	out := make([]event.Record, 0, len(logs))
	for _, l := range logs {
		rec, err := event.Parse(l)
		if err != nil {
			f.metrics.LogDropped(f.network)
			f.logger.Warn("dropping undecodable log", "tx", l.TxHash.Hex(), "index", l.Index, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// stamp resolves timestamps once per distinct block.
func (f *Fetcher) stamp(ctx context.Context, records []event.Record) error {
	memo := map[uint64]time.Time{}
	for i := range records {
		n := records[i].Block
		ts, ok := memo[n]
		if !ok {
			err := f.retry(ctx, "block time", func() error {
				var err error
				ts, err = f.source.BlockTime(ctx, n)
				return err
			})
			if err != nil {
				return err
			}
			memo[n] = ts
		}
		records[i].Timestamp = ts
	}
	return nil
}

func (f *Fetcher) progress(done, total int) {
	if f.onProgress == nil {
		return
	}
	if done != total && (f.progressEvery <= 0 || done%f.progressEvery != 0) {
		return
	}
	f.onProgress(Progress{Done: done, Total: total, Percent: float64(done) * 100 / float64(total)})
}

// retry runs op up to f.attempts times, sleeping attempt*backoff between tries.
func (f *Fetcher) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if attempt == f.attempts {
			break
		}
		f.metrics.QueryRetried(f.network)
		f.logger.Warn("retrying after transient failure", "op", what, "attempt", attempt, "err", err)
		if serr := f.sleep(ctx, time.Duration(attempt)*f.backoff); serr != nil {
			return fmt.Errorf("%s: %w", what, serr)
		}
	}
	return fmt.Errorf("%s: %d attempts: %w", what, f.attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
