// Package metrics computes performance statistics strictly from
// persisted records, never from in-memory component state, so every
// report survives a restart.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/store"
)

// PriceCache holds the latest known market prices from the stream.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]decimal.Decimal)}
}

// Update stores the mid of the new top of book for an asset.
func (c *PriceCache) Update(assetID string, bestBid, bestAsk decimal.Decimal) {
	mid := bestBid
	if bestAsk.IsPositive() {
		mid = bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	}
	c.mu.Lock()
	c.prices[assetID] = mid
	c.mu.Unlock()
}

// LastPrice returns the latest price for an asset, if known.
func (c *PriceCache) LastPrice(assetID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[assetID]
	return p, ok
}

// Report is one aggregation result.
type Report struct {
	TotalTrades   int
	ClosedTrades  int
	WinRate       decimal.Decimal
	ROI           decimal.Decimal
	Expectancy    decimal.Decimal
	MaxDrawdown   decimal.Decimal
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	OpenPositions int
	TotalCapital  decimal.Decimal
	GeneratedAt   time.Time
}

// Aggregator periodically reads the store and writes equity snapshots.
type Aggregator struct {
	st       *store.Store
	prices   *PriceCache
	initial  decimal.Decimal
	interval time.Duration
}

// New builds the aggregator.
func New(st *store.Store, prices *PriceCache, initial decimal.Decimal, interval time.Duration) *Aggregator {
	return &Aggregator{st: st, prices: prices, initial: initial, interval: interval}
}

// Run computes reports on the configured cadence until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := a.Compute()
			if err != nil {
				log.Error().Err(err).Msg("metrics aggregation failed")
				continue
			}
			log.Info().
				Int("trades", report.TotalTrades).
				Str("win_rate", report.WinRate.StringFixed(3)).
				Str("roi", report.ROI.StringFixed(4)).
				Str("realized", report.RealizedPnl.StringFixed(2)).
				Str("unrealized", report.UnrealizedPnl.StringFixed(2)).
				Str("max_drawdown", report.MaxDrawdown.StringFixed(4)).
				Msg("metrics")
		}
	}
}

// Compute derives the full report from persisted rows and writes one
// equity snapshot.
func (a *Aggregator) Compute() (Report, error) {
	now := time.Now().UTC()

	closed, err := a.st.TradesByStatus(store.TradeStatusClosed)
	if err != nil {
		return Report{}, err
	}
	open, err := a.st.TradesByStatus(store.TradeStatusOpen)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		TotalTrades:   len(closed) + len(open),
		ClosedTrades:  len(closed),
		OpenPositions: len(open),
		RealizedPnl:   decimal.Zero,
		UnrealizedPnl: decimal.Zero,
		GeneratedAt:   now,
	}

	wins := 0
	for _, t := range closed {
		report.RealizedPnl = report.RealizedPnl.Add(t.NetPnl)
		if t.NetPnl.IsPositive() {
			wins++
		}
	}
	if len(closed) > 0 {
		report.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(closed))))
		report.Expectancy = report.RealizedPnl.Div(decimal.NewFromInt(int64(len(closed))))
	} else {
		report.WinRate = decimal.Zero
		report.Expectancy = decimal.Zero
	}

	// Unrealized PnL: mark each open position at the latest stream
	// price; positions with no known price are omitted.
	for _, t := range open {
		mark, ok := a.prices.LastPrice(t.AssetID)
		if !ok || !t.Price.IsPositive() {
			continue
		}
		pnl := t.Size.Mul(mark.Sub(t.Price)).Div(t.Price)
		if t.Side == "sell" {
			pnl = pnl.Neg()
		}
		report.UnrealizedPnl = report.UnrealizedPnl.Add(pnl)
	}

	report.MaxDrawdown, report.TotalCapital, err = a.drawdownAndCapital()
	if err != nil {
		return Report{}, err
	}

	if report.TotalCapital.IsZero() {
		report.TotalCapital = a.initial
	}
	if a.initial.IsPositive() {
		report.ROI = report.TotalCapital.Sub(a.initial).Div(a.initial)
	}

	if err := a.writeEquitySnapshot(report); err != nil {
		log.Warn().Err(err).Msg("equity snapshot persist failed")
	}
	return report, nil
}

// drawdownAndCapital walks the snapshot series for the peak-to-trough
// drawdown of total capital and the latest capital value.
func (a *Aggregator) drawdownAndCapital() (decimal.Decimal, decimal.Decimal, error) {
	snaps, err := a.st.Snapshots(time.Time{})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(snaps) == 0 {
		return decimal.Zero, decimal.Zero, nil
	}

	peak := snaps[0].TotalCapital
	maxDD := decimal.Zero
	for _, s := range snaps {
		if s.TotalCapital.GreaterThan(peak) {
			peak = s.TotalCapital
		}
		if peak.IsPositive() {
			dd := peak.Sub(s.TotalCapital).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD, snaps[len(snaps)-1].TotalCapital, nil
}

func (a *Aggregator) writeEquitySnapshot(r Report) error {
	latest, err := a.st.LatestSnapshot()
	if err != nil {
		return err
	}

	snap := &store.BankrollSnapshot{
		Timestamp:    r.GeneratedAt,
		Label:        "equity",
		TotalCapital: r.TotalCapital,
		TotalTrades:  r.TotalTrades,
	}
	if latest != nil {
		snap.Allocated = latest.Allocated
		snap.Available = latest.Available
		snap.DailyPnl = latest.DailyPnl
		snap.DailyDrawdown = latest.DailyDrawdown
		snap.WinCount = latest.WinCount
		snap.LossCount = latest.LossCount
	} else {
		snap.Available = a.initial
	}
	return a.st.InsertBankrollSnapshot(snap)
}
