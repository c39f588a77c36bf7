package quota_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/wallet-sync/internal/config"
	"github.com/devblac/wallet-sync/internal/event/eventtest"
	"github.com/devblac/wallet-sync/internal/quota"
	"github.com/devblac/wallet-sync/internal/storage"
)

var (
	alice = eventtest.Addr(1)
	bob   = eventtest.Addr(2)
)

func basePolicy() quota.Policy {
	return quota.Policy{
		PerUserDailyLimitUSD: 0.50,
		GlobalDailyLimitUSD:  10,
		MaxSponsoredValueUSD: 1000,
		EligibleOperations:   []string{"escrow_fund", "vote"},
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newEngine(p quota.Policy, clk *clock) *quota.Engine {
	return quota.New(storage.NewMemory(), quota.StaticPolicy(p), quota.WithClock(clk.Now))
}

func TestDecideUserLimitExample(t *testing.T) {
	ctx := context.Background()
	e := newEngine(basePolicy(), &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, e.RecordUsage(ctx, alice, 0.45, true, "USDC"))

	d, err := e.Decide(ctx, alice, 0.10, 50, "escrow_fund")
	require.NoError(t, err)
	assert.Equal(t, quota.MethodTokenPay, d.Method)
	assert.Equal(t, "daily limit reached", d.Reason)
	assert.Equal(t, 0.05, d.RemainingUSD)
}

func TestDecideRuleOrder(t *testing.T) {
	ctx := context.Background()
	p := basePolicy()
	p.GlobalDailyLimitUSD = 0.01
	e := newEngine(p, &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})

	cases := []struct {
		name   string
		cost   float64
		value  float64
		op     string
		method quota.Method
		reason string
	}{
		{"ineligible wins over everything", 5, 5000, "transfer", quota.MethodTokenPay, "operation not eligible for sponsorship"},
		{"value ceiling before limits", 5, 5000, "vote", quota.MethodTokenPay, "transaction value too high for sponsorship"},
		{"user limit before global", 0.60, 10, "VOTE", quota.MethodTokenPay, "daily limit reached"},
		{"global limit", 0.02, 10, "vote", quota.MethodTokenPay, "global daily limit reached"},
		{"sponsored", 0.01, 1000, "vote", quota.MethodSponsored, "sponsored"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Decide(ctx, alice, tc.cost, tc.value, tc.op)
			require.NoError(t, err)
			assert.Equal(t, tc.method, d.Method)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, 0.50, d.RemainingUSD)
		})
	}
}

func TestDecideNativeFallback(t *testing.T) {
	p := basePolicy()
	p.FallbackMethod = quota.MethodNativePay
	e := newEngine(p, &clock{now: time.Unix(0, 0)})
	d, err := e.Decide(context.Background(), alice, 0.01, 1, "swap")
	require.NoError(t, err)
	assert.Equal(t, quota.MethodNativePay, d.Method)
}

func TestRecordUsageOnlySponsoredCountsGlobally(t *testing.T) {
	ctx := context.Background()
	e := newEngine(basePolicy(), &clock{now: time.Unix(0, 0)})
	require.NoError(t, e.RecordUsage(ctx, alice, 0.20, true, "USDC"))
	require.NoError(t, e.RecordUsage(ctx, alice, 0.30, false, "ETH"))
	require.NoError(t, e.RecordUsage(ctx, bob, 0.10, true, "USDC"))

	u, err := e.Usage(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 0.50, u.User.TotalSpentUSD)
	assert.Len(t, u.User.Entries, 2)
	assert.InDelta(t, 0.30, u.Global.TotalSpentUSD, 1e-9)
	assert.Len(t, u.Global.Entries, 2)
}

func TestSponsoredSpendNeverExceedsLimits(t *testing.T) {
	ctx := context.Background()
	p := basePolicy()
	p.GlobalDailyLimitUSD = 0.70
	e := newEngine(p, &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)})

	perUser := map[string]float64{}
	users := []struct {
		name string
		cost float64
	}{{"a", 0.07}, {"b", 0.11}, {"a", 0.13}, {"b", 0.05}, {"a", 0.17}, {"b", 0.19}}
	for i := 0; i < 40; i++ {
		u := users[i%len(users)]
		addr := alice
		if u.name == "b" {
			addr = bob
		}
		d, err := e.Decide(ctx, addr, u.cost, 1, "vote")
		require.NoError(t, err)
		sponsored := d.Method == quota.MethodSponsored
		require.NoError(t, e.RecordUsage(ctx, addr, u.cost, sponsored, "USDC"))
		if sponsored {
			perUser[u.name] += u.cost
		}
	}

	total := perUser["a"] + perUser["b"]
	assert.LessOrEqual(t, total, 0.70+1e-9)
	assert.LessOrEqual(t, perUser["a"], 0.50+1e-9)
	assert.LessOrEqual(t, perUser["b"], 0.50+1e-9)
	assert.Greater(t, total, 0.0)
}

func TestCountersResetOnNextDay(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)}
	e := newEngine(basePolicy(), clk)
	require.NoError(t, e.RecordUsage(ctx, alice, 0.50, true, "USDC"))

	d, err := e.Decide(ctx, alice, 0.01, 1, "vote")
	require.NoError(t, err)
	assert.Equal(t, "daily limit reached", d.Reason)

	clk.now = clk.now.Add(2 * time.Hour)
	u, err := e.Usage(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", u.Date)
	assert.Zero(t, u.User.TotalSpentUSD)
	assert.Zero(t, u.Global.TotalSpentUSD)

	d, err = e.Decide(ctx, alice, 0.01, 1, "vote")
	require.NoError(t, err)
	assert.Equal(t, quota.MethodSponsored, d.Method)
	assert.Equal(t, 0.50, d.RemainingUSD)
}

func TestCalendarDayFollowsLocation(t *testing.T) {
	ctx := context.Background()
	loc := time.FixedZone("UTC+3", 3*3600)
	clk := &clock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
	e := quota.New(storage.NewMemory(), quota.StaticPolicy(basePolicy()), quota.WithClock(clk.Now), quota.WithLocation(loc))

	u, err := e.Usage(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", u.Date)
	clk.now = clk.now.Add(2 * time.Hour)
	u, err = e.Usage(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", u.Date, "local midnight passed")
}

func TestPolicyFromConfig(t *testing.T) {
	p := quota.PolicyFromConfig(config.SponsorshipConfig{
		PerUserDailyLimitUSD: 1,
		EligibleOperations:   []string{"vote"},
		FallbackMethod:       "NATIVE_PAY",
	})
	assert.Equal(t, quota.MethodNativePay, p.FallbackMethod)
	assert.NoError(t, p.Validate())
}

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestPolicyWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, "per_user_daily_limit_usd: 0.5\nglobal_daily_limit_usd: 10\nmax_sponsored_value_usd: 100\neligible_operations: [vote]\n")

	reloaded := make(chan quota.Policy, 4)
	w, err := quota.NewPolicyWatcher(path, quota.OnReload(func(p quota.Policy) { reloaded <- p }))
	require.NoError(t, err)
	assert.Equal(t, 0.5, w.Policy().PerUserDailyLimitUSD)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	writePolicy(t, path, "per_user_daily_limit_usd: 2\nglobal_daily_limit_usd: 10\nmax_sponsored_value_usd: 100\neligible_operations: [vote, swap]\nfallback_method: native_pay\n")
	select {
	case p := <-reloaded:
		assert.Equal(t, 2.0, p.PerUserDailyLimitUSD)
	case <-time.After(3 * time.Second):
		t.Fatal("policy was not reloaded")
	}
	assert.Equal(t, quota.MethodNativePay, w.Policy().FallbackMethod)

	e := quota.New(storage.NewMemory(), w)
	d, err := e.Decide(context.Background(), alice, 1.5, 1, "swap")
	require.NoError(t, err)
	assert.Equal(t, quota.MethodSponsored, d.Method)

	writePolicy(t, path, "fallback_method: carrier_pigeon\n")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2.0, w.Policy().PerUserDailyLimitUSD, "invalid edits are rejected")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestInvalidAmountsAreRejected(t *testing.T) {
	ctx := context.Background()
	e := newEngine(basePolicy(), &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})

	bad := []float64{-0.01, 1e13, math.Inf(1), math.Inf(-1), math.NaN()}
	for _, v := range bad {
		_, err := e.Decide(ctx, alice, v, 50, "escrow_fund")
		assert.ErrorIs(t, err, quota.ErrInvalidAmount, "estimate %v", v)
		_, err = e.Decide(ctx, alice, 0.10, v, "escrow_fund")
		assert.ErrorIs(t, err, quota.ErrInvalidAmount, "value %v", v)
		assert.ErrorIs(t, e.RecordUsage(ctx, alice, v, true, "USDC"), quota.ErrInvalidAmount, "cost %v", v)
	}

	u, err := e.Usage(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, u.User.TotalMicros)
	assert.Zero(t, u.Global.TotalMicros)
}

func TestLargestAmountsStayWithinLimits(t *testing.T) {
	ctx := context.Background()
	e := newEngine(basePolicy(), &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})

	d, err := e.Decide(ctx, alice, 0.10, quota.MaxAmountUSD, "escrow_fund")
	require.NoError(t, err)
	assert.Equal(t, "transaction value too high for sponsorship", d.Reason)

	d, err = e.Decide(ctx, alice, quota.MaxAmountUSD, 50, "escrow_fund")
	require.NoError(t, err)
	assert.Equal(t, "daily limit reached", d.Reason)

	for i := 0; i < 12; i++ {
		require.NoError(t, e.RecordUsage(ctx, alice, quota.MaxAmountUSD, true, "USDC"))
	}
	u, err := e.Usage(ctx, alice)
	require.NoError(t, err)
	assert.Positive(t, u.User.TotalMicros)
	assert.Positive(t, u.Global.TotalMicros)

	d, err = e.Decide(ctx, alice, 0.01, 50, "escrow_fund")
	require.NoError(t, err)
	assert.Equal(t, quota.MethodTokenPay, d.Method)
}
