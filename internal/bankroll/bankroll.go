// Package bankroll is the paper-mode ledger: a deterministic in-process
// simulator for opening and closing virtual positions with decimal-exact
// fee and PnL accounting. Every mutation persists one trade record and
// one snapshot together; a failed persist rolls the memory state back.
package bankroll

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/store"
)

var (
	// ErrInsufficientFunds rejects an open larger than the free balance.
	ErrInsufficientFunds = errors.New("bankroll: insufficient funds")
	// ErrInvalidOrder rejects non-positive sizes and prices outside (0,1).
	ErrInvalidOrder = errors.New("bankroll: invalid order")
	// ErrUnknownPosition rejects closes for IDs not in the open map.
	ErrUnknownPosition = errors.New("bankroll: unknown position")
)

// Position is one open virtual position.
type Position struct {
	PositionID  string
	MarketID    string
	AssetID     string
	Side        string
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	Commission  decimal.Decimal // open-leg commission
	GasCost     decimal.Decimal // open-leg gas
	WhaleSource string
	OpenedAt    time.Time
}

// CloseResult reports the settled economics of one closed position.
type CloseResult struct {
	PositionID string
	GrossPnl   decimal.Decimal
	TotalFees  decimal.Decimal
	NetPnl     decimal.Decimal
	ExitPrice  decimal.Decimal
}

// Stats is the derived ledger summary.
type Stats struct {
	TotalCapital         decimal.Decimal
	Available            decimal.Decimal
	Allocated            decimal.Decimal
	DailyPnl             decimal.Decimal
	TotalTrades          int
	ClosedTrades         int
	WinCount             int
	LossCount            int
	WinRate              decimal.Decimal
	ROI                  decimal.Decimal
	MaxConsecutiveLosses int
	OpenPositions        int
}

// Bankroll is the virtual ledger. All mutation serializes through one
// mutex; operations form a total order.
type Bankroll struct {
	mu sync.Mutex
	st *store.Store

	initial       decimal.Decimal
	available     decimal.Decimal
	allocated     decimal.Decimal
	peakCapital   decimal.Decimal
	dailyPnl      decimal.Decimal
	dailyDrawdown decimal.Decimal

	totalTrades   int
	winCount      int
	lossCount     int
	curLossStreak int
	maxLossStreak int

	open map[string]*Position
}

// New seeds the ledger with the initial bankroll.
func New(st *store.Store, initial decimal.Decimal) *Bankroll {
	return &Bankroll{
		st:            st,
		initial:       initial,
		available:     initial,
		allocated:     decimal.Zero,
		peakCapital:   initial,
		dailyPnl:      decimal.Zero,
		dailyDrawdown: decimal.Zero,
		open:          make(map[string]*Position),
	}
}

// OpenPosition reserves size plus fees from the free balance and
// persists the open trade record together with a snapshot.
func (b *Bankroll) OpenPosition(marketID, assetID, side string, size, price, commissionRate, gasCost decimal.Decimal, whaleSource string) (string, error) {
	if !size.IsPositive() {
		return "", fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return "", fmt.Errorf("%w: price must be in (0,1)", ErrInvalidOrder)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	commission := size.Mul(commissionRate)
	needed := size.Add(commission).Add(gasCost)
	if b.available.LessThan(needed) {
		return "", fmt.Errorf("%w: need %s, available %s", ErrInsufficientFunds,
			needed.StringFixed(4), b.available.StringFixed(4))
	}

	tradeID := uuid.NewString()
	now := time.Now().UTC()

	b.available = b.available.Sub(needed)
	b.allocated = b.allocated.Add(size)
	b.totalTrades++
	b.open[tradeID] = &Position{
		PositionID:  tradeID,
		MarketID:    marketID,
		AssetID:     assetID,
		Side:        side,
		Size:        size,
		EntryPrice:  price,
		Commission:  commission,
		GasCost:     gasCost,
		WhaleSource: whaleSource,
		OpenedAt:    now,
	}

	trade := &store.VirtualTrade{
		TradeID:     tradeID,
		MarketID:    marketID,
		AssetID:     assetID,
		Side:        side,
		Size:        size,
		Price:       price,
		Exchange:    "VIRTUAL",
		Commission:  commission,
		GasCostUSD:  gasCost,
		Status:      store.TradeStatusOpen,
		WhaleSource: whaleSource,
		ExecutedAt:  now,
	}

	if err := b.st.OpenTradeWithSnapshot(trade, b.snapshotLocked("trade", now)); err != nil {
		// Roll back so memory never runs ahead of the store.
		b.available = b.available.Add(needed)
		b.allocated = b.allocated.Sub(size)
		b.totalTrades--
		delete(b.open, tradeID)
		return "", err
	}

	log.Info().
		Str("trade", tradeID).
		Str("market", marketID).
		Str("side", side).
		Str("size", size.StringFixed(2)).
		Str("price", price.StringFixed(4)).
		Str("available", b.available.StringFixed(2)).
		Msg("paper position opened")
	return tradeID, nil
}

// ClosePosition settles a position at the exit price. Gross PnL is
// realized on the notional in probability units:
//
//	buy:  size * (exit - entry) / entry
//	sell: size * (entry - exit) / entry
//
// Fees sum both legs' commissions plus gas.
func (b *Bankroll) ClosePosition(positionID string, exitPrice, commissionRate, gasCost decimal.Decimal) (CloseResult, error) {
	if !exitPrice.IsPositive() || exitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return CloseResult{}, fmt.Errorf("%w: exit price must be in (0,1]", ErrInvalidOrder)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.open[positionID]
	if !ok {
		return CloseResult{}, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}

	grossPnl := pos.Size.Mul(exitPrice.Sub(pos.EntryPrice)).Div(pos.EntryPrice)
	if pos.Side == "sell" {
		grossPnl = grossPnl.Neg()
	}

	closeCommission := pos.Size.Mul(commissionRate)
	totalCommission := pos.Commission.Add(closeCommission)
	totalGas := pos.GasCost.Add(gasCost)
	totalFees := totalCommission.Add(totalGas)
	netPnl := grossPnl.Sub(totalFees)

	now := time.Now().UTC()

	// Memory mutation first, remembered for rollback.
	prev := ledgerState{
		available:     b.available,
		allocated:     b.allocated,
		dailyPnl:      b.dailyPnl,
		dailyDrawdown: b.dailyDrawdown,
		peakCapital:   b.peakCapital,
		winCount:      b.winCount,
		lossCount:     b.lossCount,
		curLossStreak: b.curLossStreak,
		maxLossStreak: b.maxLossStreak,
	}

	b.allocated = b.allocated.Sub(pos.Size)
	// The open leg's fees were already deducted; return the notional
	// plus the close leg's economics.
	b.available = b.available.Add(pos.Size).Add(grossPnl).Sub(closeCommission).Sub(gasCost)
	b.dailyPnl = b.dailyPnl.Add(netPnl)

	if netPnl.IsPositive() {
		b.winCount++
		b.curLossStreak = 0
	} else {
		b.lossCount++
		b.curLossStreak++
		if b.curLossStreak > b.maxLossStreak {
			b.maxLossStreak = b.curLossStreak
		}
	}

	capital := b.available.Add(b.allocated)
	if capital.GreaterThan(b.peakCapital) {
		b.peakCapital = capital
	}
	if b.dailyPnl.IsNegative() && b.peakCapital.IsPositive() {
		dd := b.dailyPnl.Neg().Div(b.peakCapital)
		if dd.GreaterThan(b.dailyDrawdown) {
			b.dailyDrawdown = dd
		}
	}

	closeFields := store.TradeClose{
		ExitPrice:  exitPrice,
		GrossPnl:   grossPnl,
		Commission: totalCommission,
		GasCostUSD: totalGas,
		TotalFees:  totalFees,
		NetPnl:     netPnl,
		SettledAt:  now,
	}

	if err := b.st.CloseTradeWithSnapshot(positionID, closeFields, b.snapshotLocked("trade", now)); err != nil {
		b.restoreLocked(prev)
		return CloseResult{}, err
	}

	delete(b.open, positionID)

	log.Info().
		Str("trade", positionID).
		Str("exit", exitPrice.StringFixed(4)).
		Str("gross", grossPnl.StringFixed(4)).
		Str("net", netPnl.StringFixed(4)).
		Str("available", b.available.StringFixed(2)).
		Msg("paper position closed")

	return CloseResult{
		PositionID: positionID,
		GrossPnl:   grossPnl,
		TotalFees:  totalFees,
		NetPnl:     netPnl,
		ExitPrice:  exitPrice,
	}, nil
}

// Reset zeroes the ledger back to the initial bankroll. Test harnesses
// only.
func (b *Bankroll) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.initial
	b.allocated = decimal.Zero
	b.peakCapital = b.initial
	b.dailyPnl = decimal.Zero
	b.dailyDrawdown = decimal.Zero
	b.totalTrades = 0
	b.winCount = 0
	b.lossCount = 0
	b.curLossStreak = 0
	b.maxLossStreak = 0
	b.open = make(map[string]*Position)
}

// Stats derives the ledger summary. Division guards keep a fresh ledger
// at zero, not NaN.
func (b *Bankroll) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := b.winCount + b.lossCount
	winRate := decimal.Zero
	if closed > 0 {
		winRate = decimal.NewFromInt(int64(b.winCount)).Div(decimal.NewFromInt(int64(closed)))
	}

	capital := b.available.Add(b.allocated)
	roi := decimal.Zero
	if b.initial.IsPositive() {
		roi = capital.Sub(b.initial).Div(b.initial)
	}

	return Stats{
		TotalCapital:         capital,
		Available:            b.available,
		Allocated:            b.allocated,
		DailyPnl:             b.dailyPnl,
		TotalTrades:          b.totalTrades,
		ClosedTrades:         closed,
		WinCount:             b.winCount,
		LossCount:            b.lossCount,
		WinRate:              winRate,
		ROI:                  roi,
		MaxConsecutiveLosses: b.maxLossStreak,
		OpenPositions:        len(b.open),
	}
}

// TotalCapital implements the risk gate's ledger view.
func (b *Bankroll) TotalCapital() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available.Add(b.allocated)
}

// Allocated implements the risk gate's ledger view.
func (b *Bankroll) Allocated() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated
}

// Available returns the free balance.
func (b *Bankroll) Available() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// OpenPositions returns a copy of the open position set.
func (b *Bankroll) OpenPositions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	return out
}

// WriteSnapshot persists a labeled snapshot of the current state.
func (b *Bankroll) WriteSnapshot(label string) error {
	b.mu.Lock()
	snap := b.snapshotLocked(label, time.Now().UTC())
	b.mu.Unlock()
	return b.st.InsertBankrollSnapshot(snap)
}

type ledgerState struct {
	available     decimal.Decimal
	allocated     decimal.Decimal
	dailyPnl      decimal.Decimal
	dailyDrawdown decimal.Decimal
	peakCapital   decimal.Decimal
	winCount      int
	lossCount     int
	curLossStreak int
	maxLossStreak int
}

func (b *Bankroll) restoreLocked(s ledgerState) {
	b.available = s.available
	b.allocated = s.allocated
	b.dailyPnl = s.dailyPnl
	b.dailyDrawdown = s.dailyDrawdown
	b.peakCapital = s.peakCapital
	b.winCount = s.winCount
	b.lossCount = s.lossCount
	b.curLossStreak = s.curLossStreak
	b.maxLossStreak = s.maxLossStreak
}

func (b *Bankroll) snapshotLocked(label string, ts time.Time) *store.BankrollSnapshot {
	return &store.BankrollSnapshot{
		Timestamp:     ts,
		Label:         label,
		TotalCapital:  b.available.Add(b.allocated),
		Allocated:     b.allocated,
		Available:     b.available,
		DailyPnl:      b.dailyPnl,
		DailyDrawdown: b.dailyDrawdown,
		TotalTrades:   b.totalTrades,
		WinCount:      b.winCount,
		LossCount:     b.lossCount,
	}
}
