// Package risk is the gatekeeper: no trade happens without its
// approval, and a tripped kill switch halts everything until reset.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/store"
)

// BankrollView is the read-only slice of the ledger the gate needs.
type BankrollView interface {
	TotalCapital() decimal.Decimal
	Allocated() decimal.Decimal
}

// Decision is the result of a pre-trade check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Manager enforces the pre-trade gate and the kill switch. All state is
// small and guarded by one mutex.
type Manager struct {
	cfg  config.RiskConfig
	st   *store.Store
	view BankrollView
	mode string

	mu                sync.Mutex
	dailyPnl          decimal.Decimal
	consecutiveLosses int
	perMarket         map[string]decimal.Decimal
	failedExecs       []time.Time
	gasGwei           decimal.Decimal
	killActive        bool
	killManual        bool
	killReason        string
	tradingDay        time.Time
}

// NewManager builds the gate over the store and the ledger view.
func NewManager(cfg config.RiskConfig, st *store.Store, view BankrollView, mode string) *Manager {
	return &Manager{
		cfg:        cfg,
		st:         st,
		view:       view,
		mode:       mode,
		dailyPnl:   decimal.Zero,
		perMarket:  make(map[string]decimal.Decimal),
		gasGwei:    decimal.Zero,
		tradingDay: utcDay(time.Now()),
	}
}

// CanTrade runs the full pre-trade check chain for one prospective open.
func (m *Manager) CanTrade(marketID string, size decimal.Decimal, strategy string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	if m.killActive {
		return Decision{Reason: "kill switch active: " + m.killReason}
	}

	if m.dailyPnl.LessThanOrEqual(m.cfg.MaxDailyLoss.Neg()) {
		return Decision{Reason: "daily loss limit reached"}
	}

	maxExposure := m.view.TotalCapital().Mul(m.cfg.MaxExposurePct)
	if m.view.Allocated().Add(size).GreaterThan(maxExposure) {
		return Decision{Reason: "total exposure limit reached"}
	}

	if m.perMarket[marketID].Add(size).GreaterThan(m.cfg.MaxPositionPerMarket) {
		return Decision{Reason: "per-market exposure limit reached"}
	}

	if m.mode == config.ModeLive && m.gasGwei.GreaterThan(m.cfg.MaxGasGwei) {
		return Decision{Reason: "gas price above ceiling"}
	}

	return Decision{Allowed: true}
}

// RecordOpen tracks per-market exposure after a successful open.
func (m *Manager) RecordOpen(marketID string, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perMarket[marketID] = m.perMarket[marketID].Add(size)
}

// RecordOutcome updates daily PnL and the loss streak after a close,
// tripping the kill switch when a trigger fires.
func (m *Manager) RecordOutcome(strategy string, marketID string, size, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	if prev, ok := m.perMarket[marketID]; ok {
		next := prev.Sub(size)
		if next.IsPositive() {
			m.perMarket[marketID] = next
		} else {
			delete(m.perMarket, marketID)
		}
	}

	m.dailyPnl = m.dailyPnl.Add(pnl)

	if pnl.IsNegative() {
		m.consecutiveLosses++
	} else if pnl.IsPositive() {
		m.consecutiveLosses = 0
	}

	singleTradeLimit := m.view.TotalCapital().Mul(m.cfg.SingleTradeDrawdown)
	switch {
	case pnl.IsNegative() && pnl.Abs().GreaterThan(singleTradeLimit):
		m.trip("single-trade drawdown exceeded")
	case m.dailyPnl.LessThanOrEqual(m.cfg.MaxDailyLoss.Neg()):
		m.trip("daily loss limit breached")
	case m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses:
		m.trip("consecutive loss limit reached")
	}
}

// RecordExecutionFailure counts failed executions inside the rolling
// window; too many trips the switch.
func (m *Manager) RecordExecutionFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-m.cfg.FailedExecWindow)
	kept := m.failedExecs[:0]
	for _, t := range m.failedExecs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.failedExecs = append(kept, now)

	if len(m.failedExecs) >= m.cfg.MaxFailedExecs {
		m.trip("repeated execution failures")
	}
}

// Trip activates the kill switch manually. Manual trips survive the
// daily reset.
func (m *Manager) Trip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killManual = true
	m.trip(reason)
}

// KillSwitchActive reports whether trading is halted.
func (m *Manager) KillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killActive
}

// UpdateGasPrice feeds the current gas price for the live-mode gate.
func (m *Manager) UpdateGasPrice(gwei decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasGwei = gwei
}

// DailyPnl returns the day's running realized PnL.
func (m *Manager) DailyPnl() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnl
}

// EmergencyUnwind reports whether open positions should be force-closed
// on a kill-switch activation.
func (m *Manager) EmergencyUnwind() bool {
	return m.cfg.EmergencyUnwind
}

// trip must run with the lock held.
func (m *Manager) trip(reason string) {
	if m.killActive {
		return
	}
	m.killActive = true
	m.killReason = reason

	log.Error().Str("reason", reason).Msg("kill switch tripped")
	if err := m.st.InsertRiskEvent(&store.RiskEvent{
		Kind:     "kill_switch",
		Severity: store.SeverityCritical,
		Strategy: "copy",
		Detail:   reason,
	}); err != nil {
		log.Error().Err(err).Msg("kill switch event persist failed")
	}
}

// checkDayReset must run with the lock held. Counters and automatic
// kill-switch activations clear at UTC midnight.
func (m *Manager) checkDayReset() {
	today := utcDay(time.Now())
	if !today.After(m.tradingDay) {
		return
	}

	log.Info().Msg("new trading day, resetting risk counters")
	m.dailyPnl = decimal.Zero
	m.consecutiveLosses = 0
	m.failedExecs = nil
	m.tradingDay = today
	if m.killActive && !m.killManual {
		m.killActive = false
		m.killReason = ""
	}
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
