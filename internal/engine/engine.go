// Package engine converts qualified-whale trade signals into execution
// decisions: classify open vs close, size with fractional Kelly, pass
// the risk gate, and dispatch to the bound executor.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/bankroll"
	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/executor"
	"github.com/Pechulyak/polymarket-bot/internal/risk"
	"github.com/Pechulyak/polymarket-bot/internal/store"
	"github.com/Pechulyak/polymarket-bot/internal/whale"
)

// QualificationView answers whether an address is currently a valid
// signal source. The detector implements it.
type QualificationView interface {
	IsQualified(address string) bool
}

// OutcomeSink receives the realized result of our own closed copy
// trades. The tracker implements it.
type OutcomeSink interface {
	RecordCopiedOutcome(address string, netPnl decimal.Decimal) error
}

// Leg is one executed slice of a copy position (scale-in adds legs).
// Closed marks legs already settled so a retried exit never re-submits
// them.
type Leg struct {
	PositionID string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	OpenFill   executor.Fill
	Closed     bool
}

// CopyPosition is one open copied position. At most one exists per
// (whale, market) pair.
type CopyPosition struct {
	PositionID           string
	WhaleAddress         string
	MarketID             string
	AssetID              string
	Side                 string
	SizeUSD              decimal.Decimal
	EntryPrice           decimal.Decimal
	OpenedAt             time.Time
	WhaleRiskScoreAtOpen int
	Mode                 string
	Legs                 []Leg
	RealizedNet          decimal.Decimal // net PnL of legs closed so far
}

// Engine consumes whale signals and mirrors them through the executor.
type Engine struct {
	cfg     config.SizingConfig
	mode    string
	exec    executor.Executor
	riskMgr *risk.Manager
	qual    QualificationView
	outcome OutcomeSink
	st      *store.Store
	view    risk.BankrollView
	sizer   *Sizer

	mu        sync.Mutex
	positions map[string]*CopyPosition // key: whale|market
	recent    map[string]time.Time     // dedup buffer
}

// New wires the engine. Every collaborator is mandatory.
func New(cfg config.SizingConfig, mode string, exec executor.Executor, riskMgr *risk.Manager,
	qual QualificationView, outcome OutcomeSink, st *store.Store, view risk.BankrollView) *Engine {
	return &Engine{
		cfg:       cfg,
		mode:      mode,
		exec:      exec,
		riskMgr:   riskMgr,
		qual:      qual,
		outcome:   outcome,
		st:        st,
		view:      view,
		sizer:     NewSizer(cfg),
		positions: make(map[string]*CopyPosition),
		recent:    make(map[string]time.Time),
	}
}

// Run consumes the detector's signal channel until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, signals <-chan whale.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-signals:
			e.OnWhaleTrade(ctx, sig)
		}
	}
}

// OnWhaleTrade is the entry point for one signal.
func (e *Engine) OnWhaleTrade(ctx context.Context, sig whale.Signal) {
	if e.isDuplicate(sig) {
		log.Debug().Str("whale", sig.WhaleAddress).Str("market", sig.MarketID).Msg("duplicate signal suppressed")
		return
	}

	if !e.qual.IsQualified(sig.WhaleAddress) {
		log.Debug().Str("whale", sig.WhaleAddress).Msg("signal from unqualified whale, skipping")
		return
	}
	if sig.Stats.RiskScore > e.cfg.RiskScoreMax {
		log.Debug().
			Str("whale", sig.WhaleAddress).
			Int("risk", sig.Stats.RiskScore).
			Msg("whale risk score above maximum, skipping")
		return
	}

	key := posKey(sig.WhaleAddress, sig.MarketID)
	e.mu.Lock()
	pos := e.positions[key]
	e.mu.Unlock()

	switch {
	case pos == nil:
		e.openPosition(ctx, sig, nil)
	case pos.Side == sig.Side:
		if !e.cfg.AllowScaleIn {
			log.Debug().Str("whale", sig.WhaleAddress).Str("market", sig.MarketID).Msg("same-direction signal ignored")
			return
		}
		e.openPosition(ctx, sig, pos)
	default:
		// Opposite direction from the same whale is an exit, never a
		// reversal.
		e.closePosition(ctx, sig, pos)
	}
}

// UnwindAll closes every tracked position, marking at the latest known
// price when available and at entry otherwise. Used only when the kill
// switch fires with emergency unwind enabled.
func (e *Engine) UnwindAll(ctx context.Context, priceOf func(assetID string) (decimal.Decimal, bool)) {
	for _, pos := range e.OpenPositions() {
		exit := pos.EntryPrice
		if priceOf != nil {
			if mark, ok := priceOf(pos.AssetID); ok && mark.IsPositive() {
				exit = mark
			}
		}
		sig := whale.Signal{
			WhaleAddress: pos.WhaleAddress,
			MarketID:     pos.MarketID,
			AssetID:      pos.AssetID,
			Side:         oppositeSide(pos.Side),
			Price:        exit,
			TradedAt:     time.Now().UTC(),
			DetectedAt:   time.Now().UTC(),
		}
		e.mu.Lock()
		tracked := e.positions[posKey(pos.WhaleAddress, pos.MarketID)]
		e.mu.Unlock()
		if tracked == nil {
			continue
		}
		log.Warn().Str("market", pos.MarketID).Str("whale", pos.WhaleAddress).Msg("emergency unwind")
		e.closePosition(ctx, sig, tracked)
	}
}

func oppositeSide(side string) string {
	if side == "buy" {
		return "sell"
	}
	return "buy"
}

// OpenPositions returns a copy of the tracked positions.
func (e *Engine) OpenPositions() []CopyPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CopyPosition, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

func (e *Engine) openPosition(ctx context.Context, sig whale.Signal, existing *CopyPosition) {
	if !sig.Price.IsPositive() || sig.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		log.Warn().Str("whale", sig.WhaleAddress).Str("price", sig.Price.String()).Msg("malformed signal price, skipping")
		return
	}

	total := e.view.TotalCapital()
	size := e.sizer.Size(total, sig.Price, sig.RankNorm)
	if size.IsZero() {
		log.Debug().Str("whale", sig.WhaleAddress).Msg("sized to zero, skipping")
		return
	}

	if existing != nil {
		headroom := e.sizer.MaxPosition(total).Sub(existing.SizeUSD)
		if !headroom.IsPositive() {
			log.Debug().Str("whale", sig.WhaleAddress).Msg("position at max size, scale-in skipped")
			return
		}
		if size.GreaterThan(headroom) {
			size = headroom
		}
	}

	oppID := uuid.NewString()
	if err := e.st.InsertOpportunity(&store.Opportunity{
		OpportunityID: oppID,
		WhaleAddress:  sig.WhaleAddress,
		MarketID:      sig.MarketID,
		Side:          sig.Side,
		SizeUSD:       size,
		Price:         sig.Price,
		DetectedAt:    sig.DetectedAt,
	}); err != nil {
		log.Warn().Err(err).Msg("opportunity audit persist failed")
	}

	if decision := e.riskMgr.CanTrade(sig.MarketID, size, "copy"); !decision.Allowed {
		e.recordRiskEvent("trade_blocked", store.SeverityWarning, sig.MarketID, decision.Reason)
		log.Info().Str("whale", sig.WhaleAddress).Str("reason", decision.Reason).Msg("trade blocked by risk gate")
		return
	}

	fill, err := e.execOpen(ctx, executor.OpenRequest{
		MarketID:    sig.MarketID,
		AssetID:     sig.AssetID,
		Side:        sig.Side,
		SizeUSD:     size,
		LimitPrice:  sig.Price,
		WhaleSource: sig.WhaleAddress,
	})
	if err != nil {
		if errors.Is(err, bankroll.ErrInsufficientFunds) {
			e.recordRiskEvent("insufficient_funds", store.SeverityWarning, sig.MarketID, err.Error())
			return
		}
		e.riskMgr.RecordExecutionFailure()
		e.recordRiskEvent("execution_failed", store.SeverityWarning, sig.MarketID, err.Error())
		log.Error().Err(err).Str("whale", sig.WhaleAddress).Msg("open execution failed")
		return
	}

	leg := Leg{PositionID: fill.ExternalID, Size: size, EntryPrice: fill.Price, OpenFill: fill}

	e.mu.Lock()
	if existing != nil {
		existing.SizeUSD = existing.SizeUSD.Add(size)
		existing.Legs = append(existing.Legs, leg)
	} else {
		e.positions[posKey(sig.WhaleAddress, sig.MarketID)] = &CopyPosition{
			PositionID:           fill.ExternalID,
			WhaleAddress:         sig.WhaleAddress,
			MarketID:             sig.MarketID,
			AssetID:              sig.AssetID,
			Side:                 sig.Side,
			SizeUSD:              size,
			EntryPrice:           fill.Price,
			OpenedAt:             time.Now().UTC(),
			WhaleRiskScoreAtOpen: sig.Stats.RiskScore,
			Mode:                 e.mode,
			Legs:                 []Leg{leg},
			RealizedNet:          decimal.Zero,
		}
	}
	e.mu.Unlock()

	e.riskMgr.RecordOpen(sig.MarketID, size)
	if err := e.st.MarkOpportunityExecuted(oppID); err != nil {
		log.Warn().Err(err).Msg("opportunity execute mark failed")
	}

	log.Info().
		Str("whale", sig.WhaleAddress).
		Str("market", sig.MarketID).
		Str("side", sig.Side).
		Str("size", size.StringFixed(2)).
		Str("price", fill.Price.StringFixed(4)).
		Msg("copy position opened")
}

func (e *Engine) closePosition(ctx context.Context, sig whale.Signal, pos *CopyPosition) {
	closedAll := true

	for i := range pos.Legs {
		e.mu.Lock()
		leg := pos.Legs[i]
		e.mu.Unlock()
		if leg.Closed {
			continue
		}

		fill, err := e.execClose(ctx, executor.PositionRef{
			PositionID: leg.PositionID,
			AssetID:    pos.AssetID,
			Side:       pos.Side,
			SizeUSD:    leg.Size,
			ExitPrice:  sig.Price,
		})
		if err != nil {
			e.riskMgr.RecordExecutionFailure()
			e.recordRiskEvent("execution_failed", store.SeverityWarning, pos.MarketID, err.Error())
			log.Error().Err(err).Str("position", leg.PositionID).Msg("close execution failed")
			closedAll = false
			continue
		}

		gross := leg.Size.Mul(fill.Price.Sub(leg.EntryPrice)).Div(leg.EntryPrice)
		if pos.Side == "sell" {
			gross = gross.Neg()
		}
		fees := leg.OpenFill.Commission.Add(leg.OpenFill.GasCost).Add(fill.Commission).Add(fill.GasCost)

		// Settled legs are marked immediately so a retried exit only
		// re-submits the legs that actually failed, and their PnL
		// carries across attempts.
		e.mu.Lock()
		pos.Legs[i].Closed = true
		pos.RealizedNet = pos.RealizedNet.Add(gross.Sub(fees))
		e.mu.Unlock()
	}

	if !closedAll {
		// The CopyPosition stays tracked with its closed legs marked;
		// the next exit signal (or restart recovery) finishes the rest.
		return
	}

	e.mu.Lock()
	totalNet := pos.RealizedNet
	delete(e.positions, posKey(pos.WhaleAddress, pos.MarketID))
	e.mu.Unlock()

	e.riskMgr.RecordOutcome("copy", pos.MarketID, pos.SizeUSD, totalNet)
	if err := e.outcome.RecordCopiedOutcome(pos.WhaleAddress, totalNet); err != nil {
		log.Warn().Err(err).Str("whale", pos.WhaleAddress).Msg("copied outcome persist failed")
	}

	log.Info().
		Str("whale", pos.WhaleAddress).
		Str("market", pos.MarketID).
		Str("net_pnl", totalNet.StringFixed(4)).
		Msg("copy position closed")
}

// execOpen retries once on a transient executor failure.
func (e *Engine) execOpen(ctx context.Context, req executor.OpenRequest) (executor.Fill, error) {
	fill, err := e.exec.Open(ctx, req)
	if err == nil || errors.Is(err, bankroll.ErrInsufficientFunds) || errors.Is(err, bankroll.ErrInvalidOrder) {
		return fill, err
	}
	log.Warn().Err(err).Msg("open failed, retrying once")
	return e.exec.Open(ctx, req)
}

func (e *Engine) execClose(ctx context.Context, ref executor.PositionRef) (executor.Fill, error) {
	fill, err := e.exec.Close(ctx, ref)
	if err == nil {
		return fill, nil
	}
	log.Warn().Err(err).Msg("close failed, retrying once")
	return e.exec.Close(ctx, ref)
}

// isDuplicate suppresses identical (whale, market, side, price, time)
// signals inside the dedup window.
func (e *Engine) isDuplicate(sig whale.Signal) bool {
	key := sig.WhaleAddress + "|" + sig.MarketID + "|" + sig.Side + "|" +
		sig.Price.String() + "|" + sig.TradedAt.UTC().Format(time.RFC3339Nano)

	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, t := range e.recent {
		if now.Sub(t) > e.cfg.DedupWindow {
			delete(e.recent, k)
		}
	}

	if _, seen := e.recent[key]; seen {
		return true
	}
	e.recent[key] = now
	return false
}

func (e *Engine) recordRiskEvent(kind, severity, marketID, detail string) {
	if err := e.st.InsertRiskEvent(&store.RiskEvent{
		Kind:     kind,
		Severity: severity,
		Strategy: "copy",
		MarketID: marketID,
		Detail:   detail,
	}); err != nil {
		log.Error().Err(err).Msg("risk event persist failed")
	}
}

func posKey(whaleAddr, marketID string) string {
	return whaleAddr + "|" + marketID
}
