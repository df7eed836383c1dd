package bankroll

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pechulyak/polymarket-bot/internal/store"
)

func newTestBankroll(t *testing.T) (*Bankroll, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return New(st, decimal.NewFromInt(100)), st
}

var (
	noFee  = decimal.Zero
	market = "m1"
	asset  = "a1"
)

func TestOpenPositionMovesBalances(t *testing.T) {
	b, st := newTestBankroll(t)

	commissionRate := decimal.NewFromFloat(0.004)
	gas := decimal.NewFromFloat(0.01)
	id, err := b.OpenPosition(market, asset, "buy", decimal.NewFromInt(5), decimal.NewFromFloat(0.40), commissionRate, gas, "0xaaaa")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// available = 100 - 5 - 0.02 - 0.01
	assert.True(t, b.Available().Equal(decimal.NewFromFloat(94.97)), "available = %s", b.Available())
	assert.True(t, b.Allocated().Equal(decimal.NewFromInt(5)))

	// Snapshot invariant: total = allocated + available, and allocated
	// matches the open trade rows.
	snaps, err := st.Snapshots(time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.True(t, snap.TotalCapital.Equal(snap.Allocated.Add(snap.Available)))

	open, err := st.TradesByStatus(store.TradeStatusOpen)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tr := range open {
		sum = sum.Add(tr.Size)
	}
	assert.True(t, snap.Allocated.Equal(sum))
}

func TestOpenPositionValidation(t *testing.T) {
	b, _ := newTestBankroll(t)

	_, err := b.OpenPosition(market, asset, "buy", decimal.Zero, decimal.NewFromFloat(0.5), noFee, noFee, "")
	assert.ErrorIs(t, err, ErrInvalidOrder, "size = 0")

	_, err = b.OpenPosition(market, asset, "buy", decimal.NewFromInt(1), decimal.NewFromInt(1), noFee, noFee, "")
	assert.ErrorIs(t, err, ErrInvalidOrder, "price = 1")

	_, err = b.OpenPosition(market, asset, "buy", decimal.NewFromInt(1), decimal.Zero, noFee, noFee, "")
	assert.ErrorIs(t, err, ErrInvalidOrder, "price = 0")
}

func TestOpenPositionInsufficientFunds(t *testing.T) {
	b, _ := newTestBankroll(t)

	// size = available passes with no fees.
	id, err := b.OpenPosition(market, asset, "buy", decimal.NewFromInt(100), decimal.NewFromFloat(0.5), noFee, noFee, "")
	require.NoError(t, err)

	_, err = b.ClosePosition(id, decimal.NewFromFloat(0.5), noFee, noFee)
	require.NoError(t, err)

	// size = available + epsilon fails.
	_, err = b.OpenPosition(market, asset, "buy", decimal.NewFromFloat(100.01), decimal.NewFromFloat(0.5), noFee, noFee, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestCloseAtEntryPriceLosesOnlyFees(t *testing.T) {
	b, _ := newTestBankroll(t)

	// Open with explicit fee schedule: commission 0.4% of 5 = 0.02,
	// gas 0.01 per leg.
	commissionRate := decimal.NewFromFloat(0.004)
	gas := decimal.NewFromFloat(0.01)
	id, err := b.OpenPosition(market, asset, "buy", decimal.NewFromInt(5), decimal.NewFromFloat(0.40), commissionRate, gas, "0xaaaa")
	require.NoError(t, err)

	result, err := b.ClosePosition(id, decimal.NewFromFloat(0.40), commissionRate, gas)
	require.NoError(t, err)

	assert.True(t, result.GrossPnl.IsZero(), "gross = %s", result.GrossPnl)
	// fees: two commissions of 0.02 plus two gas of 0.01 = 0.06.
	assert.True(t, result.TotalFees.Equal(decimal.NewFromFloat(0.06)), "fees = %s", result.TotalFees)
	assert.True(t, result.NetPnl.Equal(decimal.NewFromFloat(-0.06)), "net = %s", result.NetPnl)

	stats := b.Stats()
	assert.Equal(t, 0, stats.WinCount)
	assert.Equal(t, 1, stats.LossCount)

	// available = initial + net once everything is closed.
	want := decimal.NewFromInt(100).Add(result.NetPnl)
	assert.True(t, b.Available().Equal(want), "available = %s, want %s", b.Available(), want)
}

func TestCloseBuyProfit(t *testing.T) {
	b, _ := newTestBankroll(t)

	id, err := b.OpenPosition(market, asset, "buy", decimal.NewFromInt(4), decimal.NewFromFloat(0.40), noFee, noFee, "")
	require.NoError(t, err)

	result, err := b.ClosePosition(id, decimal.NewFromFloat(0.60), noFee, noFee)
	require.NoError(t, err)

	// gross = 4 * (0.60-0.40)/0.40 = 2
	assert.True(t, result.GrossPnl.Equal(decimal.NewFromInt(2)), "gross = %s", result.GrossPnl)
	assert.True(t, b.Available().Equal(decimal.NewFromInt(102)))

	stats := b.Stats()
	assert.Equal(t, 1, stats.WinCount)
	assert.True(t, stats.ROI.Equal(decimal.NewFromFloat(0.02)), "roi = %s", stats.ROI)
}

func TestCloseSellNegatesPnl(t *testing.T) {
	b, _ := newTestBankroll(t)

	id, err := b.OpenPosition(market, asset, "sell", decimal.NewFromInt(4), decimal.NewFromFloat(0.40), noFee, noFee, "")
	require.NoError(t, err)

	result, err := b.ClosePosition(id, decimal.NewFromFloat(0.60), noFee, noFee)
	require.NoError(t, err)
	assert.True(t, result.GrossPnl.Equal(decimal.NewFromInt(-2)), "gross = %s", result.GrossPnl)
}

func TestSequenceEndsAtInitialPlusNet(t *testing.T) {
	b, _ := newTestBankroll(t)

	commissionRate := decimal.NewFromFloat(0.004)
	gas := decimal.NewFromFloat(0.01)

	totalNet := decimal.Zero
	exits := []float64{0.50, 0.30, 0.45}
	for _, exit := range exits {
		id, err := b.OpenPosition(market, asset, "buy", decimal.NewFromInt(5), decimal.NewFromFloat(0.40), commissionRate, gas, "")
		require.NoError(t, err)
		result, err := b.ClosePosition(id, decimal.NewFromFloat(exit), commissionRate, gas)
		require.NoError(t, err)
		totalNet = totalNet.Add(result.NetPnl)
	}

	want := decimal.NewFromInt(100).Add(totalNet)
	assert.True(t, b.Available().Equal(want), "available = %s, want initial+Σnet = %s", b.Available(), want)
	assert.True(t, b.Allocated().IsZero())
}

func TestCloseUnknownPosition(t *testing.T) {
	b, _ := newTestBankroll(t)
	_, err := b.ClosePosition("nope", decimal.NewFromFloat(0.5), noFee, noFee)
	assert.True(t, errors.Is(err, ErrUnknownPosition))
}

func TestStatsZeroTrades(t *testing.T) {
	b, _ := newTestBankroll(t)

	stats := b.Stats()
	assert.True(t, stats.WinRate.IsZero())
	assert.True(t, stats.ROI.IsZero())
	assert.Equal(t, 0, stats.TotalTrades)
}

func TestReset(t *testing.T) {
	b, _ := newTestBankroll(t)

	_, err := b.OpenPosition(market, asset, "buy", decimal.NewFromInt(5), decimal.NewFromFloat(0.40), noFee, noFee, "")
	require.NoError(t, err)

	b.Reset()
	assert.True(t, b.Available().Equal(decimal.NewFromInt(100)))
	assert.True(t, b.Allocated().IsZero())
	assert.Empty(t, b.OpenPositions())
}

func TestMaxConsecutiveLosses(t *testing.T) {
	b, _ := newTestBankroll(t)

	for _, exit := range []float64{0.30, 0.30, 0.50, 0.30} {
		id, err := b.OpenPosition(market, asset, "buy", decimal.NewFromInt(5), decimal.NewFromFloat(0.40), noFee, noFee, "")
		require.NoError(t, err)
		_, err = b.ClosePosition(id, decimal.NewFromFloat(exit), noFee, noFee)
		require.NoError(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, 2, stats.MaxConsecutiveLosses)
	assert.Equal(t, 1, stats.WinCount)
	assert.Equal(t, 3, stats.LossCount)
}
