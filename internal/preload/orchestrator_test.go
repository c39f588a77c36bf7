package preload_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/wallet-sync/internal/event/eventtest"
	"github.com/devblac/wallet-sync/internal/preload"
	"github.com/devblac/wallet-sync/internal/storage"
	"github.com/devblac/wallet-sync/internal/syncer"
)

var alice = eventtest.Addr(1)

type fakeDomain struct {
	name  string
	err   error
	gate  chan struct{}
	mu    sync.Mutex
	calls int
}

func (f *fakeDomain) Domain() string { return f.name }

func (f *fakeDomain) Sync(ctx context.Context, _ common.Address) (syncer.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return syncer.Result{Watermark: 1}, f.err
}

type recorder struct {
	mu  sync.Mutex
	got []preload.Status
}

func (r *recorder) add(s preload.Status) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) seen(pred func(preload.Status) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.got {
		if pred(s) {
			return true
		}
	}
	return false
}

func TestDomainsBecomeReadyIndependently(t *testing.T) {
	slow := &fakeDomain{name: "treasury", gate: make(chan struct{})}
	fast := &fakeDomain{name: "trades"}
	o := preload.New(storage.NewMemory(), []preload.Syncer{slow, fast})
	rec := &recorder{}
	o.OnStatusChange(rec.add)

	require.True(t, o.Start(context.Background(), alice))
	require.Eventually(t, func() bool {
		return rec.seen(func(s preload.Status) bool {
			return s.IsRunning && s.PerDomainReady["trades"] && !s.PerDomainReady["treasury"]
		})
	}, 2*time.Second, 5*time.Millisecond, "partial readiness is observable")

	close(slow.gate)
	require.Eventually(t, func() bool { return !o.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, o.Status().Ready())
}

func TestConcurrentStartsAreNoops(t *testing.T) {
	d := &fakeDomain{name: "trades", gate: make(chan struct{})}
	o := preload.New(storage.NewMemory(), []preload.Syncer{d})

	require.True(t, o.Start(context.Background(), alice))
	assert.False(t, o.Start(context.Background(), alice))
	assert.False(t, o.Run(context.Background(), alice))
	close(d.gate)
	require.Eventually(t, func() bool { return !o.IsRunning() }, 2*time.Second, 5*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.calls)
}

func TestFailedDomainDoesNotBlockOthers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := preload.New(storage.NewMemory(), []preload.Syncer{
		&fakeDomain{name: "trades", err: errors.New("rpc down")},
		&fakeDomain{name: "treasury"},
	}, preload.WithClock(func() time.Time { return now }))

	require.True(t, o.Run(context.Background(), alice))
	st := o.Status()
	assert.False(t, st.PerDomainReady["trades"])
	assert.True(t, st.PerDomainReady["treasury"])
	assert.False(t, st.Ready())
	assert.Equal(t, now.UTC(), st.LastCompletedAt)
}

func TestStatusSurvivesRestart(t *testing.T) {
	kv := storage.NewMemory()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	domains := []preload.Syncer{&fakeDomain{name: "trades"}}

	first := preload.New(kv, domains, preload.WithClock(clock))
	require.True(t, first.Run(context.Background(), alice))

	now = now.Add(5 * time.Minute)
	second := preload.New(kv, domains, preload.WithClock(clock))
	assert.Zero(t, second.Status().CacheAge)
	ok, err := second.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	st := second.Status()
	assert.False(t, st.IsRunning)
	assert.True(t, st.PerDomainReady["trades"])
	assert.Equal(t, 5*time.Minute, st.CacheAge)
}

func TestResetClearsStatus(t *testing.T) {
	kv := storage.NewMemory()
	o := preload.New(kv, []preload.Syncer{&fakeDomain{name: "trades"}})
	require.True(t, o.Run(context.Background(), alice))
	require.True(t, o.Status().Ready())

	require.NoError(t, o.Reset(context.Background()))
	st := o.Status()
	assert.False(t, st.Ready())
	assert.True(t, st.LastCompletedAt.IsZero())
	_, ok, err := kv.Get(context.Background(), preload.DefaultStatusKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetDuringRunDiscardsResults(t *testing.T) {
	kv := storage.NewMemory()
	d := &fakeDomain{name: "trades", gate: make(chan struct{})}
	o := preload.New(kv, []preload.Syncer{d})

	require.True(t, o.Start(context.Background(), alice))
	require.NoError(t, o.Reset(context.Background()))
	assert.True(t, o.IsRunning())
	close(d.gate)
	require.Eventually(t, func() bool { return !o.IsRunning() }, 2*time.Second, 5*time.Millisecond)

	st := o.Status()
	assert.False(t, st.Ready())
	assert.True(t, st.LastCompletedAt.IsZero())
	_, ok, err := kv.Get(context.Background(), preload.DefaultStatusKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.True(t, o.Run(context.Background(), alice))
	assert.True(t, o.Status().Ready())
}

func TestStatusIsScopedByKey(t *testing.T) {
	kv := storage.NewMemory()
	domains := []preload.Syncer{&fakeDomain{name: "trades"}}
	key := preload.StatusKey("1:0xc0", alice)
	assert.NotEqual(t, key, preload.StatusKey("1:0xc0", eventtest.Addr(2)))
	assert.NotEqual(t, key, preload.StatusKey("5:0xc0", alice))

	first := preload.New(kv, domains, preload.WithStatusKey(key))
	require.True(t, first.Run(context.Background(), alice))

	other := preload.New(kv, domains, preload.WithStatusKey(preload.StatusKey("1:0xc0", eventtest.Addr(2))))
	ok, err := other.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, other.Status().Ready())

	same := preload.New(kv, domains, preload.WithStatusKey(key))
	ok, err = same.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, same.Status().Ready())
}

func TestWaitBlocksUntilRunPersisted(t *testing.T) {
	kv := storage.NewMemory()
	d := &fakeDomain{name: "trades", gate: make(chan struct{})}
	o := preload.New(kv, []preload.Syncer{d})
	require.NoError(t, o.Wait(context.Background()))

	require.True(t, o.Start(context.Background(), alice))
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Wait(short), context.DeadlineExceeded)

	close(d.gate)
	require.NoError(t, o.Wait(context.Background()))
	assert.False(t, o.IsRunning())
	_, ok, err := kv.Get(context.Background(), preload.DefaultStatusKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	o := preload.New(storage.NewMemory(), []preload.Syncer{&fakeDomain{name: "trades"}})
	rec := &recorder{}
	unsubscribe := o.OnStatusChange(rec.add)
	unsubscribe()
	require.True(t, o.Run(context.Background(), alice))
	assert.Empty(t, rec.got)
}
