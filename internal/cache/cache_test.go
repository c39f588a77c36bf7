package cache_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/wallet-sync/internal/cache"
	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/event/eventtest"
	"github.com/devblac/wallet-sync/internal/oracle"
	"github.com/devblac/wallet-sync/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T, kv storage.KV, clk *clock) *cache.Cache {
	t.Helper()
	c, err := cache.New(kv, cache.WithClock(clk.Now), cache.WithHotSize(8))
	require.NoError(t, err)
	return c
}

func TestReadThroughLoadsOnceUntilExpiry(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	c := newCache(t, storage.NewMemory(), clk)
	var loads int
	load := func(context.Context) (string, error) {
		loads++
		return "v" + string(rune('0'+loads)), nil
	}

	v, err := cache.ReadThrough(context.Background(), c, "k", 30*time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	clk.Advance(29 * time.Second)
	v, err = cache.ReadThrough(context.Background(), c, "k", 30*time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	clk.Advance(time.Second)
	v, err = cache.ReadThrough(context.Background(), c, "k", 30*time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 2, loads)
}

func TestReadThroughServesStaleOnFailure(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	c := newCache(t, storage.NewMemory(), clk)
	ok := func(context.Context) (int, error) { return 7, nil }
	boom := errors.New("rpc down")
	fail := func(context.Context) (int, error) { return 0, boom }

	_, err := cache.ReadThrough(context.Background(), c, "k", time.Second, ok)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	v, err := cache.ReadThrough(context.Background(), c, "k", time.Second, fail)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = cache.ReadThrough(context.Background(), c, "missing", time.Second, fail)
	assert.ErrorIs(t, err, boom)
}

func TestReadThroughCollapsesConcurrentLoads(t *testing.T) {
	c := newCache(t, storage.NewMemory(), &clock{now: time.Unix(0, 0)})
	var loads atomic.Int32
	load := func(context.Context) (int, error) {
		loads.Add(1)
		time.Sleep(50 * time.Millisecond)
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.ReadThrough(context.Background(), c, "k", time.Minute, load)
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}

func TestEntriesPersistAcrossInstances(t *testing.T) {
	kv := storage.NewMemory()
	clk := &clock{now: time.Unix(0, 0)}
	first := newCache(t, kv, clk)
	require.NoError(t, cache.Put(context.Background(), first, "k", "persisted", 0))

	second := newCache(t, kv, clk)
	e, ok, err := cache.Get[string](context.Background(), second, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", e.Value)
	assert.True(t, e.Fresh(clk.Now().Add(1000*time.Hour)), "ttl-less entries never expire")

	_, ok, err = kv.Get(context.Background(), "cache/k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidateForcesReload(t *testing.T) {
	kv := storage.NewMemory()
	c := newCache(t, kv, &clock{now: time.Unix(0, 0)})
	n := 0
	load := func(context.Context) (int, error) { n++; return n, nil }

	_, err := cache.ReadThrough(context.Background(), c, "k", time.Hour, load)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(context.Background(), "k", "never-written"))

	v, err := cache.ReadThrough(context.Background(), c, "k", time.Hour, load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestInvalidateDuringLoadDropsLoadedValue(t *testing.T) {
	kv := storage.NewMemory()
	c := newCache(t, kv, &clock{now: time.Unix(0, 0)})
	var current atomic.Value
	current.Store("old")
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan string, 1)
	go func() {
		v, err := cache.ReadThrough(context.Background(), c, "k", time.Hour, func(context.Context) (string, error) {
			v := current.Load().(string)
			close(started)
			<-release
			return v, nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	current.Store("new")
	require.NoError(t, c.Invalidate(context.Background(), "k"))
	close(release)
	assert.Equal(t, "old", <-done)

	_, ok, err := kv.Get(context.Background(), "cache/k")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := cache.ReadThrough(context.Background(), c, "k", time.Hour, func(context.Context) (string, error) {
		return current.Load().(string), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestMergeIndex(t *testing.T) {
	c := newCache(t, storage.NewMemory(), &clock{now: time.Unix(0, 0)})
	key := cache.IndexKey("1:0xc0", "trades", eventtest.Addr(1))

	added, err := c.MergeIndex(context.Background(), key, []event.RecordID{"trade/2", "trade/1"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = c.MergeIndex(context.Background(), key, []event.RecordID{"trade/1", "trade/3"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	ids, err := c.Index(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []event.RecordID{"trade/1", "trade/2", "trade/3"}, ids)
}

type fakeOracle struct{ reads int }

func (f *fakeOracle) ReadRecord(_ context.Context, id event.RecordID) (oracle.RecordData, error) {
	f.reads++
	return oracle.RecordData{ID: id, Fields: map[string]string{"status": "1"}}, nil
}

func TestRecordsAdapter(t *testing.T) {
	c := newCache(t, storage.NewMemory(), &clock{now: time.Unix(0, 0)})
	o := &fakeOracle{}
	r := cache.NewRecords(c, o, "1:0xc0", 30*time.Second)
	id := event.TradeRecord(big.NewInt(4))

	d, err := r.Record(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "1", d.Fields["status"])
	_, err = r.Record(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, o.reads)

	require.NoError(t, r.Invalidate(context.Background(), id))
	_, err = r.Record(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, o.reads)
}
