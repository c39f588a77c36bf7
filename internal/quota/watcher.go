package quota

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devblac/wallet-sync/internal/logging"
)

const reloadDebounce = 100 * time.Millisecond

// PolicyWatcher serves a policy loaded from a YAML file and swaps it when the file changes. An invalid
// edit is logged and the previous policy stays in force.
type PolicyWatcher struct {
	path     string
	current  atomic.Pointer[Policy]
	logger   *slog.Logger
	onReload func(Policy)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a PolicyWatcher.
type WatcherOption func(*PolicyWatcher)

func WithWatcherLogger(l *slog.Logger) WatcherOption { return func(w *PolicyWatcher) { w.logger = l } }

// OnReload registers a callback for successful reloads.
func OnReload(cb func(Policy)) WatcherOption { return func(w *PolicyWatcher) { w.onReload = cb } }

// NewPolicyWatcher loads path once. Call Start to follow changes.
func NewPolicyWatcher(path string, opts ...WatcherOption) (*PolicyWatcher, error) {
	w := &PolicyWatcher{path: path, logger: logging.Discard()}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "policy_watcher")
	p, err := LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(&p)
	return w, nil
}

// Policy returns the policy in force.
func (w *PolicyWatcher) Policy() Policy {
	return *w.current.Load()
}

// Start watches the policy file's directory until ctx ends or Close is called.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.watcher, w.cancel, w.done = fw, cancel, make(chan struct{})
	go w.loop(runCtx, fw, w.done)
	return nil
}

func (w *PolicyWatcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	target := filepath.Clean(w.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "err", err)
		}
	}
}

func (w *PolicyWatcher) reload() {
	p, err := LoadPolicyFile(w.path)
	if err != nil {
		w.logger.Warn("policy reload rejected; keeping previous policy", "err", err)
		return
	}
	w.current.Store(&p)
	w.logger.Info("policy reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(p)
	}
}

// Close stops watching. It is safe to call more than once.
func (w *PolicyWatcher) Close() error {
	w.mu.Lock()
	fw, cancel, done := w.watcher, w.cancel, w.done
	w.watcher, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	cancel()
	<-done
	return fw.Close()
}
