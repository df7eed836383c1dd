package executor

import (
	"context"
	"fmt"

	"github.com/Pechulyak/polymarket-bot/internal/bankroll"
	"github.com/Pechulyak/polymarket-bot/internal/config"
)

// PaperExecutor delegates fills to the virtual bankroll. Fills are
// immediate at the limit price with the configured fee schedule.
type PaperExecutor struct {
	ledger *bankroll.Bankroll
	cfg    config.ExecutorConfig
}

// NewPaperExecutor binds the paper backend to the ledger.
func NewPaperExecutor(ledger *bankroll.Bankroll, cfg config.ExecutorConfig) *PaperExecutor {
	return &PaperExecutor{ledger: ledger, cfg: cfg}
}

// Open opens a virtual position. InsufficientFunds passes through
// unwrapped so the engine can treat it as a skip, not a failure.
func (p *PaperExecutor) Open(ctx context.Context, req OpenRequest) (Fill, error) {
	tradeID, err := p.ledger.OpenPosition(
		req.MarketID, req.AssetID, req.Side, req.SizeUSD, req.LimitPrice,
		p.cfg.CommissionRate, p.cfg.GasCostUSD, req.WhaleSource,
	)
	if err != nil {
		return Fill{}, err
	}
	return Fill{
		Price:      req.LimitPrice,
		Commission: req.SizeUSD.Mul(p.cfg.CommissionRate),
		GasCost:    p.cfg.GasCostUSD,
		ExternalID: tradeID,
	}, nil
}

// Close settles a virtual position at the reference exit price.
func (p *PaperExecutor) Close(ctx context.Context, ref PositionRef) (Fill, error) {
	result, err := p.ledger.ClosePosition(ref.PositionID, ref.ExitPrice, p.cfg.CommissionRate, p.cfg.GasCostUSD)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return Fill{
		Price:      result.ExitPrice,
		Commission: ref.SizeUSD.Mul(p.cfg.CommissionRate),
		GasCost:    p.cfg.GasCostUSD,
		ExternalID: result.PositionID,
	}, nil
}

var _ Executor = (*PaperExecutor)(nil)
