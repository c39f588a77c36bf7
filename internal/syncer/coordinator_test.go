package syncer_test

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/wallet-sync/internal/cache"
	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/event/eventtest"
	"github.com/devblac/wallet-sync/internal/fetcher"
	"github.com/devblac/wallet-sync/internal/oracle"
	"github.com/devblac/wallet-sync/internal/source/evm/evmtest"
	"github.com/devblac/wallet-sync/internal/storage"
	"github.com/devblac/wallet-sync/internal/syncer"
)

const network = "11155111:0xc0"

var (
	alice = eventtest.Addr(1)
	bob   = eventtest.Addr(2)
	carol = eventtest.Addr(3)
)

// flakyKV fails Remove while failRemove is set.
type flakyKV struct {
	*storage.Memory
	failRemove atomic.Bool
}

func (f *flakyKV) Remove(ctx context.Context, key string) error {
	if f.failRemove.Load() {
		return errors.New("disk full")
	}
	return f.Memory.Remove(ctx, key)
}

type fakeOracle struct{}

func (fakeOracle) ReadRecord(_ context.Context, id event.RecordID) (oracle.RecordData, error) {
	return oracle.RecordData{ID: id, Fields: map[string]string{}}, nil
}

type harness struct {
	chain *evmtest.Chain
	kv    *flakyKV
	coord *syncer.Coordinator
	cache *cache.Cache
}

func newHarness(t *testing.T, opts ...fetcher.Option) *harness {
	t.Helper()
	chain := evmtest.New()
	kv := &flakyKV{Memory: storage.NewMemory()}
	c, err := cache.New(kv)
	require.NoError(t, err)
	records := cache.NewRecords(c, fakeOracle{}, network, 30*time.Second)
	base := []fetcher.Option{fetcher.WithSleep(func(context.Context, time.Duration) error { return nil })}
	f := fetcher.New(chain, event.TypesFor(event.KindTrades), append(base, opts...)...)
	return &harness{chain: chain, kv: kv, cache: c, coord: syncer.New(network, "trades", f, records, kv)}
}

func (h *harness) setWatermark(t *testing.T, user common.Address, n uint64) {
	t.Helper()
	require.NoError(t, storage.SetJSON(context.Background(), h.kv, syncer.WatermarkKey(network, "trades", user),
		syncer.Watermark{LastProcessed: n}))
}

func (h *harness) watermark(t *testing.T, user common.Address) (uint64, bool) {
	t.Helper()
	wm, ok, err := h.coord.Watermark(context.Background(), user)
	require.NoError(t, err)
	return wm.LastProcessed, ok
}

func TestSyncFromWatermarkScansFiveWindows(t *testing.T) {
	h := newHarness(t, fetcher.WithMaxQuerySpan(10), fetcher.WithMaxRange(2000))
	h.setWatermark(t, alice, 1000)
	h.chain.SetHeight(1050)

	res, err := h.coord.Sync(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1050), res.Watermark)
	assert.Len(t, h.chain.Queries(), 5)
	assert.Equal(t, uint64(1001), h.chain.Queries()[0].From)

	wm, _ := h.watermark(t, alice)
	assert.Equal(t, uint64(1050), wm)
	assert.Equal(t, syncer.Idle, h.coord.State(alice))
}

func TestFirstSyncIndexesRecords(t *testing.T) {
	h := newHarness(t)
	h.chain.Add(
		eventtest.TradeCreated(3, eventtest.Tx(1), 1, alice, bob, carol),
		eventtest.TradeFunded(5, eventtest.Tx(2), 1, alice),
		eventtest.TradeCreated(6, eventtest.Tx(3), 2, bob, carol, carol),
		eventtest.TradeFunded(8, eventtest.Tx(4), 2, bob),
	)

	_, ok := h.watermark(t, alice)
	assert.False(t, ok, "absent watermark means never synced")

	res, err := h.coord.Sync(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, res.NewRecords, 3, "own trade plus the broadcast creation of trade 2")
	assert.Equal(t, uint64(8), res.Watermark)

	ids, err := h.coord.Index(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, []event.RecordID{"trade/1", "trade/2"}, ids)
}

func TestSyncAtHeadIsNoop(t *testing.T) {
	h := newHarness(t)
	h.setWatermark(t, alice, 40)
	h.chain.SetHeight(40)

	res, err := h.coord.Sync(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, res.NewRecords)
	assert.Equal(t, uint64(40), res.Watermark)
	assert.Empty(t, h.chain.Queries())
}

func TestSyncInvalidatesAffectedRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := cache.RecordKey(network, event.TradeRecord(big.NewInt(1)))
	require.NoError(t, cache.Put(ctx, h.cache, key, "stale", 0))
	h.chain.Add(eventtest.TradeFunded(5, eventtest.Tx(2), 1, alice))

	_, err := h.coord.Sync(ctx, alice)
	require.NoError(t, err)

	_, ok, err := cache.Get[string](ctx, h.cache, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidationFailureKeepsWatermark(t *testing.T) {
	h := newHarness(t)
	h.setWatermark(t, alice, 2)
	h.chain.Add(eventtest.TradeFunded(5, eventtest.Tx(2), 1, alice))
	h.kv.failRemove.Store(true)

	_, err := h.coord.Sync(context.Background(), alice)
	require.Error(t, err)
	wm, _ := h.watermark(t, alice)
	assert.Equal(t, uint64(2), wm)
	assert.Equal(t, syncer.Failed, h.coord.State(alice))

	h.kv.failRemove.Store(false)
	res, err := h.coord.Sync(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, res.NewRecords, 1, "the failed range is re-read")
	wm, _ = h.watermark(t, alice)
	assert.Equal(t, uint64(5), wm)
}

func TestWatermarkIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var seen []uint64
	heights := []uint64{10, 20, 25, 35, 50}
	for i, height := range heights {
		h.chain.SetHeight(height)
		if i == 2 || i == 4 {
			h.chain.FailNext(3, errors.New("timeout"))
		}
		res, err := h.coord.Sync(ctx, alice)
		if i == 2 || i == 4 {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
			assert.Equal(t, height, res.Watermark)
		}
		wm, _ := h.watermark(t, alice)
		seen = append(seen, wm)
	}
	assert.Equal(t, []uint64{10, 20, 20, 35, 35}, seen)

	h.chain.SetHeight(30)
	res, err := h.coord.Sync(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(35), res.Watermark, "a lagging head never moves the watermark back")
}

type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) Fetch(context.Context, fetcher.Request) (fetcher.Result, error) {
	close(b.entered)
	<-b.release
	return fetcher.Result{From: 0, To: 9}, nil
}

func TestReentrantSyncReportsInProgress(t *testing.T) {
	c, err := cache.New(storage.NewMemory())
	require.NoError(t, err)
	bf := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	coord := syncer.New(network, "trades", bf, cache.NewRecords(c, fakeOracle{}, network, time.Second), storage.NewMemory())

	done := make(chan syncer.Result)
	go func() {
		res, err := coord.Sync(context.Background(), alice)
		assert.NoError(t, err)
		done <- res
	}()
	<-bf.entered
	assert.Equal(t, syncer.Scanning, coord.State(alice))

	res, err := coord.Sync(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, res.InProgress)

	applied, err := coord.ApplyLive(context.Background(), alice, event.Record{})
	require.NoError(t, err)
	assert.False(t, applied)

	close(bf.release)
	first := <-done
	assert.False(t, first.InProgress)
	assert.Equal(t, uint64(9), first.Watermark)
}

func TestApplyLiveLeavesWatermark(t *testing.T) {
	h := newHarness(t)
	h.setWatermark(t, alice, 3)
	rec, err := event.Parse(eventtest.Staked(9, eventtest.Tx(1), alice, 10))
	require.NoError(t, err)

	applied, err := h.coord.ApplyLive(context.Background(), alice, rec)
	require.NoError(t, err)
	assert.True(t, applied)

	ids, err := h.coord.Index(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, []event.RecordID{event.StakeRecord(alice)}, ids)
	wm, _ := h.watermark(t, alice)
	assert.Equal(t, uint64(3), wm)
}
