package live_test

import (
	"context"
	"errors"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/event/eventtest"
	"github.com/devblac/wallet-sync/internal/live"
	"github.com/devblac/wallet-sync/internal/source/evm"
	"github.com/devblac/wallet-sync/internal/source/evm/evmtest"
)

var (
	alice = eventtest.Addr(1)
	bob   = eventtest.Addr(2)
	carol = eventtest.Addr(3)
)

func collect() (live.Handler, chan event.Record) {
	ch := make(chan event.Record, 16)
	return func(r event.Record) { ch <- r }, ch
}

func next(t *testing.T, ch chan event.Record) event.Record {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
		return event.Record{}
	}
}

func none(t *testing.T, ch chan event.Record) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected record %s", r.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func newManager(chain *evmtest.Chain) *live.Manager {
	return live.New(chain, event.TypesFor(event.KindTrades), live.WithBackoff(time.Millisecond))
}

func TestOneSubscriptionForManyUsers(t *testing.T) {
	chain := evmtest.New()
	m := newManager(chain)
	defer m.Close()

	ha, _ := collect()
	hb, _ := collect()
	_, err := m.Subscribe(context.Background(), alice, ha)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), bob, hb)
	require.NoError(t, err)

	assert.True(t, m.IsActive())
	assert.Equal(t, 1, chain.SubscribeCalls())
	assert.Equal(t, 2, m.Len())
}

func TestFanOutFollowsRelevance(t *testing.T) {
	chain := evmtest.New()
	m := newManager(chain)
	defer m.Close()

	ha, aliceCh := collect()
	hb, bobCh := collect()
	_, err := m.Subscribe(context.Background(), alice, ha)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), bob, hb)
	require.NoError(t, err)

	chain.Push(eventtest.TradeFunded(10, eventtest.Tx(1), 1, alice))
	r := next(t, aliceCh)
	assert.Equal(t, event.TypeTradeFunded, r.Type)
	assert.Equal(t, time.Unix(120, 0).UTC(), r.Timestamp)
	none(t, bobCh)

	chain.Push(eventtest.TradeCreated(11, eventtest.Tx(2), 2, carol, carol, carol))
	assert.Equal(t, event.TypeTradeCreated, next(t, aliceCh).Type)
	assert.Equal(t, event.TypeTradeCreated, next(t, bobCh).Type)
}

func TestParseFailuresDoNotStopDelivery(t *testing.T) {
	chain := evmtest.New()
	m := newManager(chain)
	defer m.Close()

	h, ch := collect()
	_, err := m.Subscribe(context.Background(), alice, h)
	require.NoError(t, err)

	bad := eventtest.TradeFunded(10, eventtest.Tx(1), 1, alice)
	bad.Data = nil
	chain.Push(bad)
	chain.Push(eventtest.TradeFunded(11, eventtest.Tx(2), 2, alice))

	r := next(t, ch)
	assert.Equal(t, eventtest.Tx(2), r.TxHash)
	assert.True(t, m.IsActive())
}

func TestResubscribesAfterError(t *testing.T) {
	chain := evmtest.New()
	m := newManager(chain)
	defer m.Close()

	h, ch := collect()
	_, err := m.Subscribe(context.Background(), alice, h)
	require.NoError(t, err)

	chain.Break(evmtest.ErrBroken)
	require.Eventually(t, func() bool { return chain.SubscribeCalls() == 2 && chain.Subscribers() == 1 },
		2*time.Second, 5*time.Millisecond)

	chain.Push(eventtest.TradeFunded(12, eventtest.Tx(3), 3, alice))
	assert.Equal(t, eventtest.Tx(3), next(t, ch).TxHash)
}

func TestUnsubscribeLastHandlerTearsDown(t *testing.T) {
	chain := evmtest.New()
	m := newManager(chain)
	defer m.Close()

	ha, _ := collect()
	hb, bobCh := collect()
	ta, err := m.Subscribe(context.Background(), alice, ha)
	require.NoError(t, err)
	tb, err := m.Subscribe(context.Background(), bob, hb)
	require.NoError(t, err)

	m.Unsubscribe(ta)
	assert.True(t, m.IsActive())
	m.Unsubscribe(tb)
	m.Unsubscribe(tb)
	assert.False(t, m.IsActive())
	require.Eventually(t, func() bool { return chain.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	none(t, bobCh)
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	chain := evmtest.New()
	m := newManager(chain)
	m.Stop()

	h, ch := collect()
	_, err := m.Subscribe(context.Background(), alice, h)
	require.NoError(t, err)
	m.Stop()
	m.Stop()
	assert.False(t, m.IsActive())
	assert.Zero(t, m.Len())
	assert.Equal(t, 0, chain.Subscribers())

	_, err = m.Subscribe(context.Background(), alice, h)
	require.NoError(t, err)
	chain.Push(eventtest.TradeFunded(10, eventtest.Tx(1), 1, alice))
	next(t, ch)
	m.Close()

	_, err = m.Subscribe(context.Background(), alice, h)
	assert.ErrorIs(t, err, live.ErrStopped)
}

func TestUnsupportedEndpoint(t *testing.T) {
	chain := evmtest.New()
	chain.RefuseSubscriptions(rpc.ErrNotificationsUnsupported)
	m := newManager(chain)
	defer m.Close()

	h, _ := collect()
	_, err := m.Subscribe(context.Background(), alice, h)
	assert.ErrorIs(t, err, live.ErrUnsupported)
	assert.False(t, m.IsActive())
	assert.Zero(t, m.Len())

	chain.RefuseSubscriptions(errors.New("dial failed"))
	_, err = m.Subscribe(context.Background(), alice, h)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, live.ErrUnsupported)
}

func TestDisabledSourceNeverDelivers(t *testing.T) {
	m := live.New(evm.Disabled{Reason: "no contract"}, event.TypesFor(event.KindTreasury))
	defer m.Close()
	h, ch := collect()
	_, err := m.Subscribe(context.Background(), alice, h)
	require.NoError(t, err)
	none(t, ch)
}

type gatedSource struct {
	*evmtest.Chain
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Subscribe(ctx context.Context, f evm.Filter, ch chan<- types.Log) (ethereum.Subscription, error) {
	close(g.entered)
	<-g.release
	return g.Chain.Subscribe(ctx, f, ch)
}

func TestConcurrentSubscribeSharesFailedStart(t *testing.T) {
	chain := evmtest.New()
	chain.RefuseSubscriptions(errors.New("dial failed"))
	src := &gatedSource{Chain: chain, entered: make(chan struct{}), release: make(chan struct{})}
	m := live.New(src, event.TypesFor(event.KindTrades), live.WithBackoff(time.Millisecond))
	defer m.Close()

	h, _ := collect()
	first := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(context.Background(), alice, h)
		first <- err
	}()
	<-src.entered

	second := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(context.Background(), bob, h)
		second <- err
	}()
	require.Eventually(t, func() bool { return m.Len() == 2 }, time.Second, time.Millisecond)
	close(src.release)

	assert.Error(t, <-first)
	assert.Error(t, <-second)
	assert.Zero(t, m.Len())
	assert.False(t, m.IsActive())
}
