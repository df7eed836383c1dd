// Package whale derives per-address activity statistics and drives the
// discovery → qualification → ranking pipeline.
//
// The public data source exposes trades, not settlements, so a per-whale
// win rate does not exist here and is never computed. Quality is judged
// on activity alone: volume, frequency, recency.
package whale

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/dataapi"
)

// ActivityWindow is the rolling window for the short-term trade counter.
// It matches the detector's 72h detection window by construction.
const ActivityWindow = 72 * time.Hour

// AggregateWindow bounds how far back stats look.
const AggregateWindow = 90 * 24 * time.Hour

// Stats is the derived statistics record for one address.
type Stats struct {
	Address         string
	TotalTrades     int
	TotalVolumeUSD  decimal.Decimal
	AvgTradeSizeUSD decimal.Decimal
	TradesLast3Days int
	DaysActive      int
	FirstSeenAt     time.Time
	LastActiveAt    time.Time
	RiskScore       int
}

// Compute folds a trade history into a Stats record. Trades outside the
// aggregate window are ignored; the 3-day counter uses rolling 72h.
func Compute(address string, trades []dataapi.TradeRecord, now time.Time) Stats {
	s := Stats{
		Address:        address,
		TotalVolumeUSD: decimal.Zero,
	}

	cutoff := now.Add(-AggregateWindow)
	recentCutoff := now.Add(-ActivityWindow)
	days := make(map[string]bool)

	for _, t := range trades {
		if t.TradedAt.Before(cutoff) {
			continue
		}
		s.TotalTrades++
		s.TotalVolumeUSD = s.TotalVolumeUSD.Add(t.SizeUSD)
		if !t.TradedAt.Before(recentCutoff) {
			s.TradesLast3Days++
		}
		days[t.TradedAt.UTC().Format("2006-01-02")] = true

		if s.FirstSeenAt.IsZero() || t.TradedAt.Before(s.FirstSeenAt) {
			s.FirstSeenAt = t.TradedAt
		}
		if t.TradedAt.After(s.LastActiveAt) {
			s.LastActiveAt = t.TradedAt
		}
	}

	s.DaysActive = len(days)
	divisor := s.TotalTrades
	if divisor == 0 {
		divisor = 1
	}
	s.AvgTradeSizeUSD = s.TotalVolumeUSD.Div(decimal.NewFromInt(int64(divisor)))
	s.RiskScore = RiskScore(s, now)
	return s
}

// Risk-score tier thresholds. Activity-based and deterministic: more
// volume over more trades means a more established counterparty.
var riskTiers = []struct {
	minVolume decimal.Decimal
	minTrades int
	score     int
}{
	{decimal.NewFromInt(100_000), 500, 1},
	{decimal.NewFromInt(50_000), 200, 2},
	{decimal.NewFromInt(10_000), 100, 3},
	{decimal.NewFromInt(5_000), 50, 4},
	{decimal.NewFromInt(1_000), 20, 6},
}

// RiskScore maps activity to 1 (best) .. 10 (worst). Below every tier
// the score degrades with inactivity.
func RiskScore(s Stats, now time.Time) int {
	for _, tier := range riskTiers {
		if s.TotalVolumeUSD.GreaterThanOrEqual(tier.minVolume) && s.TotalTrades >= tier.minTrades {
			return tier.score
		}
	}

	// Below every tier the tie-break favors recent activity: an address
	// trading inside the detection window keeps the best sub-tier score,
	// then the score degrades with idle time.
	if s.LastActiveAt.IsZero() {
		return 10
	}
	idle := now.Sub(s.LastActiveAt)
	switch {
	case idle <= ActivityWindow && s.TradesLast3Days > 0:
		return 6
	case idle <= 7*24*time.Hour:
		return 8
	case idle <= 30*24*time.Hour:
		return 9
	default:
		return 10
	}
}

// Blocker names for the qualification report.
const (
	BlockMinTrades  = "min_trades"
	BlockMinVolume  = "min_volume"
	BlockRecent     = "trades_last_3_days"
	BlockDaysActive = "days_active"
	BlockInactive   = "inactive"
)

// Qualify evaluates the qualification predicate and returns the list of
// failed gates. An empty blocker list means the whale qualifies.
func Qualify(s Stats, cfg config.QualificationConfig, now time.Time) (bool, []string) {
	var blockers []string

	if s.TotalTrades < cfg.MinTrades {
		blockers = append(blockers, BlockMinTrades)
	}
	if s.TotalVolumeUSD.LessThan(cfg.MinVolumeUSD) {
		blockers = append(blockers, BlockMinVolume)
	}
	if s.TradesLast3Days < cfg.MinTradesLast3d {
		blockers = append(blockers, BlockRecent)
	}
	if s.DaysActive < cfg.MinDaysActive {
		blockers = append(blockers, BlockDaysActive)
	}
	if s.LastActiveAt.IsZero() || now.Sub(s.LastActiveAt) > time.Duration(cfg.MaxInactiveDays)*24*time.Hour {
		blockers = append(blockers, BlockInactive)
	}

	return len(blockers) == 0, blockers
}
