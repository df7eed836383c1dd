// Package supervisor is the composition root: it boots the components
// in dependency order, runs the bounded paper-trading window, emits
// periodic reports, and enforces the promotion gate for live mode.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Pechulyak/polymarket-bot/internal/bankroll"
	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/dataapi"
	"github.com/Pechulyak/polymarket-bot/internal/engine"
	"github.com/Pechulyak/polymarket-bot/internal/executor"
	"github.com/Pechulyak/polymarket-bot/internal/metrics"
	"github.com/Pechulyak/polymarket-bot/internal/notify"
	"github.com/Pechulyak/polymarket-bot/internal/risk"
	"github.com/Pechulyak/polymarket-bot/internal/store"
	"github.com/Pechulyak/polymarket-bot/internal/stream"
	"github.com/Pechulyak/polymarket-bot/internal/whale"
)

// ErrPromotionGate is returned when live mode is requested without a
// qualifying paper history. The CLI maps it to exit code 3.
var ErrPromotionGate = errors.New("supervisor: promotion gate not satisfied")

// GateResult is the promotion-gate verdict and its inputs.
type GateResult struct {
	Passed         bool
	Runtime        time.Duration
	TotalCapital   decimal.Decimal
	RequiredROI    decimal.Decimal
	MaxDrawdown    decimal.Decimal
	CriticalEvents int64
	Reasons        []string
}

// Supervisor owns the component set for one run.
type Supervisor struct {
	cfg *config.Config

	st       *store.Store
	data     *dataapi.Client
	streamer *stream.Client
	tracker  *whale.Tracker
	detector *whale.Detector
	ledger   *bankroll.Bankroll
	riskMgr  *risk.Manager
	eng      *engine.Engine
	agg      *metrics.Aggregator
	prices   *metrics.PriceCache
	notifier *notify.Notifier

	startedAt time.Time
}

// New validates the configuration and prepares an empty supervisor.
func New(cfg *config.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg}, nil
}

// Run boots everything in strict order and blocks until the duration
// elapses or ctx is cancelled. Returns ErrPromotionGate when live mode
// was requested without a qualifying history.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.cfg

	// Demo mode compresses every cadence.
	pollInterval := cfg.PollingInterval
	metricsInterval := cfg.MetricsInterval
	reportInterval := cfg.ReportInterval
	if cfg.Demo {
		pollInterval = 2 * time.Second
		metricsInterval = 10 * time.Second
		reportInterval = 30 * time.Second
	}

	// 2. Store.
	st, err := store.New(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	s.st = st

	// Live mode is gated on the persisted paper history before anything
	// else boots a trading path.
	if cfg.Mode == config.ModeLive {
		gate, err := EvaluateGate(st, cfg, time.Now().UTC().Add(-cfg.Runtime()))
		if err != nil {
			return err
		}
		if !gate.Passed {
			log.Error().Strs("reasons", gate.Reasons).Msg("promotion gate not satisfied, refusing live mode")
			return fmt.Errorf("%w: %s", ErrPromotionGate, strings.Join(gate.Reasons, "; "))
		}
		log.Info().Msg("promotion gate satisfied, live mode enabled")
	}

	// 3–4. Clients and the whale pipeline. The detector must exist
	// before the stream client because the event handler is mandatory
	// at construction.
	s.data = dataapi.NewClient(cfg.DataAPI)
	s.tracker = whale.NewTracker(s.data, st, cfg.Qualification)
	s.detector = whale.NewDetector(s.tracker, st, s.data, pollInterval, cfg.Qualification, cfg.Ranking)
	if err := s.detector.Prime(ctx); err != nil {
		return err
	}
	s.prices = metrics.NewPriceCache()

	s.streamer, err = stream.NewClient(cfg.Stream, stream.HandlerFunc(s.handleStreamEvent))
	if err != nil {
		return err
	}
	if err := s.streamer.Open(ctx); err != nil {
		return err
	}
	defer s.streamer.Close()

	if err := s.subscribeActiveMarkets(ctx); err != nil {
		log.Warn().Err(err).Msg("initial market subscription failed, stream will cover reconnects")
	}

	// 5. Ledger, risk gate, executor, engine.
	s.ledger = bankroll.New(st, cfg.InitialBankroll)
	s.riskMgr = risk.NewManager(cfg.Risk, st, s.ledger, cfg.Mode)

	var exec executor.Executor
	if cfg.Mode == config.ModeLive {
		exec, err = executor.NewLiveExecutor(cfg.Executor)
		if err != nil {
			return err
		}
	} else {
		exec = executor.NewPaperExecutor(s.ledger, cfg.Executor)
	}
	s.eng = engine.New(cfg.Sizing, cfg.Mode, exec, s.riskMgr, s.detector, s.tracker, st, s.ledger)

	s.agg = metrics.New(st, s.prices, cfg.InitialBankroll, metricsInterval)

	s.notifier, err = notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifier unavailable")
	}

	// 6. Background tasks under one deadline and one shutdown signal.
	s.startedAt = time.Now().UTC()
	deadline := s.startedAt.Add(cfg.Runtime())
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	log.Info().
		Str("mode", cfg.Mode).
		Str("bankroll", cfg.InitialBankroll.StringFixed(2)).
		Int("duration_hours", cfg.DurationHours).
		Bool("demo", cfg.Demo).
		Msg("paper-trading runner started")
	s.notifier.Send(fmt.Sprintf("copybot started: mode=%s bankroll=%s duration=%dh",
		cfg.Mode, cfg.InitialBankroll.StringFixed(2), cfg.DurationHours))

	g, taskCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.detector.Run(taskCtx) })
	g.Go(func() error { return s.eng.Run(taskCtx, s.detector.Signals()) })
	g.Go(func() error { return s.agg.Run(taskCtx) })
	g.Go(func() error { return s.eventLoop(taskCtx) })
	g.Go(func() error { return s.reportLoop(taskCtx, reportInterval) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("runner task failed")
	}

	return s.shutdown(context.Background())
}

// handleStreamEvent fans stream events out: trades feed the detector,
// price changes feed the metrics price cache.
func (s *Supervisor) handleStreamEvent(e stream.Event) {
	switch evt := e.(type) {
	case stream.MarketTrade:
		externalID := evt.AssetID + ":" + evt.Timestamp.UTC().Format(time.RFC3339Nano) + ":" + evt.TakerAddress
		s.detector.OnMarketTrade(dataapi.TradeRecord{
			User:       strings.ToLower(evt.TakerAddress),
			MarketID:   evt.AssetID,
			AssetID:    evt.AssetID,
			Side:       evt.Side,
			SizeUSD:    evt.Size.Mul(evt.Price),
			Price:      evt.Price,
			TradedAt:   evt.Timestamp,
			ExternalID: externalID,
		})
	case stream.PriceChange:
		s.prices.Update(evt.AssetID, evt.BestBid, evt.BestAsk)
	case stream.OrderbookDelta:
		if len(evt.Bids) > 0 && len(evt.Asks) > 0 {
			s.prices.Update(evt.AssetID, evt.Bids[0].Price, evt.Asks[0].Price)
		}
	case stream.ConnectionStateChange:
		if evt.State == stream.StateDegraded {
			log.Warn().Str("reason", evt.Reason).Msg("stream degraded")
		}
	}
}

// subscribeActiveMarkets picks the top-K active markets by open
// interest and subscribes to their asset IDs.
func (s *Supervisor) subscribeActiveMarkets(ctx context.Context) error {
	markets, err := s.data.GetMarkets(ctx, true)
	if err != nil {
		return err
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].OpenInterest.GreaterThan(markets[j].OpenInterest)
	})

	k := s.cfg.SubscribeTopK
	if k > len(markets) {
		k = len(markets)
	}

	var assetIDs []string
	for _, m := range markets[:k] {
		assetIDs = append(assetIDs, m.TokenIDs...)
	}
	if len(assetIDs) == 0 {
		return fmt.Errorf("no active markets to subscribe")
	}

	log.Info().Int("markets", k).Int("assets", len(assetIDs)).Msg("subscribing to active markets")
	return s.streamer.Subscribe(assetIDs)
}

// eventLoop drains detector lifecycle notifications into the log.
func (s *Supervisor) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-s.detector.Events():
			log.Info().
				Str("kind", string(e.Kind)).
				Str("whale", e.Whale.WalletAddress).
				Int("risk", e.Whale.RiskScore).
				Msg("whale event")
		}
	}
}

// reportLoop prints the periodic status report and performs the
// emergency unwind when configured.
func (s *Supervisor) reportLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	unwound := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.statusReport()
			if !unwound && s.riskMgr.KillSwitchActive() && s.riskMgr.EmergencyUnwind() {
				unwound = true
				s.eng.UnwindAll(ctx, s.prices.LastPrice)
			}
		}
	}
}

func (s *Supervisor) statusReport() {
	stats := s.ledger.Stats()
	top := s.detector.TopWhales(s.cfg.Ranking.TopN)

	log.Info().
		Str("capital", stats.TotalCapital.StringFixed(2)).
		Str("available", stats.Available.StringFixed(2)).
		Str("allocated", stats.Allocated.StringFixed(2)).
		Str("daily_pnl", stats.DailyPnl.StringFixed(2)).
		Int("open_positions", stats.OpenPositions).
		Int("trades", stats.TotalTrades).
		Int("top_whales", len(top)).
		Bool("kill_switch", s.riskMgr.KillSwitchActive()).
		Msg("status report")

	s.notifier.Send(fmt.Sprintf(
		"status: capital=%s pnl_today=%s open=%d trades=%d whales=%d",
		stats.TotalCapital.StringFixed(2), stats.DailyPnl.StringFixed(2),
		stats.OpenPositions, stats.TotalTrades, len(top)))
}

// shutdown flushes state and prints the final report with the gate
// verdict.
func (s *Supervisor) shutdown(ctx context.Context) error {
	grace := s.cfg.ShutdownGrace
	log.Info().Dur("grace", grace).Msg("shutting down")

	done := make(chan struct{})
	go func() {
		s.streamer.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Msg("shutdown grace elapsed with stream still draining")
	}

	if err := s.ledger.WriteSnapshot("final"); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	report, err := s.agg.Compute()
	if err != nil {
		log.Error().Err(err).Msg("final metrics failed")
	}

	gate, gateErr := EvaluateGate(s.st, s.cfg, s.startedAt)
	if gateErr != nil {
		log.Error().Err(gateErr).Msg("gate evaluation failed")
	}

	verdict := "NOT PROMOTED"
	if gate.Passed {
		verdict = "PROMOTED"
	}
	log.Info().
		Str("verdict", verdict).
		Str("capital", gate.TotalCapital.StringFixed(2)).
		Str("max_drawdown", gate.MaxDrawdown.StringFixed(4)).
		Int64("critical_events", gate.CriticalEvents).
		Strs("reasons", gate.Reasons).
		Str("realized_pnl", report.RealizedPnl.StringFixed(2)).
		Str("win_rate", report.WinRate.StringFixed(3)).
		Msg("final report")

	s.notifier.Send(fmt.Sprintf("copybot finished: %s, capital=%s, realized=%s",
		verdict, gate.TotalCapital.StringFixed(2), report.RealizedPnl.StringFixed(2)))
	return nil
}

// EvaluateGate checks the promotion criteria over persisted state in
// the window starting at since. Win rate is deliberately not a
// criterion.
func EvaluateGate(st *store.Store, cfg *config.Config, since time.Time) (GateResult, error) {
	result := GateResult{
		RequiredROI: decimal.NewFromFloat(0.25),
	}

	snaps, err := st.Snapshots(since)
	if err != nil {
		return result, err
	}
	if len(snaps) == 0 {
		result.Reasons = append(result.Reasons, "no paper history in validation window")
		return result, nil
	}

	result.Runtime = snaps[len(snaps)-1].Timestamp.Sub(snaps[0].Timestamp)
	result.TotalCapital = snaps[len(snaps)-1].TotalCapital

	peak := snaps[0].TotalCapital
	for _, s := range snaps {
		if s.TotalCapital.GreaterThan(peak) {
			peak = s.TotalCapital
		}
		if peak.IsPositive() {
			dd := peak.Sub(s.TotalCapital).Div(peak)
			if dd.GreaterThan(result.MaxDrawdown) {
				result.MaxDrawdown = dd
			}
		}
	}

	critical, err := st.CriticalRiskEventsSince(since)
	if err != nil {
		return result, err
	}
	result.CriticalEvents = critical

	required := cfg.Runtime()
	if result.Runtime < required {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("runtime %s below required %s", result.Runtime, required))
	}

	target := cfg.InitialBankroll.Mul(decimal.NewFromFloat(1.25))
	if result.TotalCapital.LessThan(target) {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("capital %s below promotion target %s",
				result.TotalCapital.StringFixed(2), target.StringFixed(2)))
	}

	if result.MaxDrawdown.GreaterThan(cfg.Risk.MaxDrawdownPct) {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("max drawdown %s above bound %s",
				result.MaxDrawdown.StringFixed(4), cfg.Risk.MaxDrawdownPct.StringFixed(4)))
	}

	if critical > 0 {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("%d critical risk events in window", critical))
	}

	result.Passed = len(result.Reasons) == 0
	return result, nil
}
