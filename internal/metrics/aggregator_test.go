package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pechulyak/polymarket-bot/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store, *PriceCache) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	prices := NewPriceCache()
	return New(st, prices, decimal.NewFromInt(100), time.Minute), st, prices
}

func seedClosedTrade(t *testing.T, st *store.Store, id string, net float64) {
	t.Helper()
	settled := time.Now().UTC()
	trade := &store.VirtualTrade{
		TradeID:    id,
		MarketID:   "m1",
		AssetID:    "a1",
		Side:       "buy",
		Size:       decimal.NewFromInt(5),
		Price:      decimal.NewFromFloat(0.40),
		Exchange:   "VIRTUAL",
		Status:     store.TradeStatusOpen,
		ExecutedAt: settled.Add(-time.Hour),
	}
	snap := &store.BankrollSnapshot{Timestamp: settled.Add(-time.Hour), Label: "trade"}
	require.NoError(t, st.OpenTradeWithSnapshot(trade, snap))
	require.NoError(t, st.CloseTradeWithSnapshot(id, store.TradeClose{
		ExitPrice: decimal.NewFromFloat(0.45),
		GrossPnl:  decimal.NewFromFloat(net),
		NetPnl:    decimal.NewFromFloat(net),
		SettledAt: settled,
	}, &store.BankrollSnapshot{Timestamp: settled, Label: "trade"}))
}

func TestComputeEmptyStore(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	report, err := agg.Compute()
	require.NoError(t, err)

	assert.Zero(t, report.TotalTrades)
	assert.True(t, report.WinRate.IsZero(), "no divide-by-zero on empty history")
	assert.True(t, report.ROI.IsZero())
	assert.True(t, report.Expectancy.IsZero())
}

func TestComputeRealizedStats(t *testing.T) {
	agg, st, _ := newTestAggregator(t)

	seedClosedTrade(t, st, "t-1", 2.00)
	seedClosedTrade(t, st, "t-2", -1.00)
	seedClosedTrade(t, st, "t-3", 3.00)

	report, err := agg.Compute()
	require.NoError(t, err)

	assert.Equal(t, 3, report.ClosedTrades)
	assert.True(t, report.RealizedPnl.Equal(decimal.NewFromInt(4)), "realized = %s", report.RealizedPnl)
	// win rate over closed trades only: 2/3.
	want := decimal.NewFromInt(2).Div(decimal.NewFromInt(3))
	assert.True(t, report.WinRate.Equal(want), "win rate = %s", report.WinRate)
	// expectancy = 4/3.
	assert.True(t, report.Expectancy.Equal(decimal.NewFromInt(4).Div(decimal.NewFromInt(3))))
}

func TestComputeUnrealizedOmitsUnknownPrices(t *testing.T) {
	agg, st, prices := newTestAggregator(t)

	open := &store.VirtualTrade{
		TradeID:    "t-open",
		MarketID:   "m1",
		AssetID:    "a1",
		Side:       "buy",
		Size:       decimal.NewFromInt(4),
		Price:      decimal.NewFromFloat(0.40),
		Status:     store.TradeStatusOpen,
		ExecutedAt: time.Now().UTC(),
	}
	require.NoError(t, st.OpenTradeWithSnapshot(open, &store.BankrollSnapshot{Timestamp: time.Now().UTC()}))

	// No price known yet: unrealized omitted.
	report, err := agg.Compute()
	require.NoError(t, err)
	assert.True(t, report.UnrealizedPnl.IsZero())

	// With a mark at 0.50: unrealized = 4*(0.50-0.40)/0.40 = 1.
	prices.Update("a1", decimal.NewFromFloat(0.50), decimal.NewFromFloat(0.50))
	report, err = agg.Compute()
	require.NoError(t, err)
	assert.True(t, report.UnrealizedPnl.Equal(decimal.NewFromInt(1)), "unrealized = %s", report.UnrealizedPnl)
}

func TestMaxDrawdownOverSnapshots(t *testing.T) {
	agg, st, _ := newTestAggregator(t)

	base := time.Now().UTC().Add(-time.Hour)
	capitals := []float64{100, 120, 90, 110}
	for i, c := range capitals {
		require.NoError(t, st.InsertBankrollSnapshot(&store.BankrollSnapshot{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Label:        "trade",
			TotalCapital: decimal.NewFromFloat(c),
		}))
	}

	report, err := agg.Compute()
	require.NoError(t, err)

	// Peak 120 → trough 90: drawdown 0.25.
	assert.True(t, report.MaxDrawdown.Equal(decimal.NewFromFloat(0.25)), "drawdown = %s", report.MaxDrawdown)
	assert.True(t, report.TotalCapital.Equal(decimal.NewFromInt(110)))
}

func TestComputeWritesEquitySnapshot(t *testing.T) {
	agg, st, _ := newTestAggregator(t)

	_, err := agg.Compute()
	require.NoError(t, err)

	snaps, err := st.Snapshots(time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	assert.Equal(t, "equity", snaps[len(snaps)-1].Label)
}

func TestPriceCacheMid(t *testing.T) {
	t.Parallel()

	c := NewPriceCache()
	if _, ok := c.LastPrice("x"); ok {
		t.Fatal("empty cache must report unknown")
	}

	c.Update("x", decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.44))
	p, ok := c.LastPrice("x")
	if !ok || !p.Equal(decimal.NewFromFloat(0.42)) {
		t.Errorf("mid = %s, want 0.42", p)
	}
}
