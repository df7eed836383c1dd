// kelly.go sizes positions with a bounded fractional-Kelly formula.
//
// Win probability cannot be read from the data source, so the edge is a
// prior nudged by the source whale's activity quality:
//
//	p      = clamp(prior + alpha * rank_norm, 0.50, 0.70)
//	b      = 1/price - 1
//	f*     = max((b*p - (1-p)) / b, 0)
//	f_used = min(cap, quarter_kelly * f*)
//	size   = clamp(bankroll * f_used, min_position, max_position)
package engine

import (
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
)

// Sizer computes position sizes from the ledger total and entry price.
type Sizer struct {
	cfg config.SizingConfig
}

// NewSizer builds a sizer from the sizing configuration.
func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size returns the dollar size for one open, or zero when the signal
// should be skipped (no edge, or malformed price).
func (s *Sizer) Size(bankroll, price decimal.Decimal, rankNorm float64) decimal.Decimal {
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	if !bankroll.IsPositive() {
		return decimal.Zero
	}

	p := s.cfg.KellyPrior + s.cfg.Alpha*rankNorm
	if p < 0.50 {
		p = 0.50
	}
	if p > 0.70 {
		p = 0.70
	}

	priceF, _ := price.Float64()
	b := 1/priceF - 1
	if b <= 0 {
		return decimal.Zero
	}

	fStar := (b*p - (1 - p)) / b
	if fStar <= 0 {
		return decimal.Zero
	}

	quarter, _ := s.cfg.QuarterKellyMult.Float64()
	capFrac, _ := s.cfg.KellyFractionCap.Float64()
	fUsed := quarter * fStar
	if fUsed > capFrac {
		fUsed = capFrac
	}
	if fUsed <= 0 {
		return decimal.Zero
	}

	size := bankroll.Mul(decimal.NewFromFloat(fUsed))

	minPos := bankroll.Mul(s.cfg.MinPositionPct)
	maxPos := bankroll.Mul(s.cfg.MaxPositionPct)
	if size.LessThan(minPos) {
		size = minPos
	}
	if size.GreaterThan(maxPos) {
		size = maxPos
	}
	return size.Round(2)
}

// MaxPosition returns the per-position ceiling for scale-in clamping.
func (s *Sizer) MaxPosition(bankroll decimal.Decimal) decimal.Decimal {
	return bankroll.Mul(s.cfg.MaxPositionPct)
}
