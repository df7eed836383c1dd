package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/store"
)

func gateConfig() *config.Config {
	return &config.Config{
		Mode:            config.ModePaper,
		InitialBankroll: decimal.NewFromInt(100),
		DurationHours:   168,
		Risk: config.RiskConfig{
			MaxDrawdownPct: decimal.NewFromFloat(0.20),
		},
	}
}

func newGateStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return st
}

func seedSnapshots(t *testing.T, st *store.Store, since time.Time, span time.Duration, capitals []float64) {
	t.Helper()
	step := span / time.Duration(len(capitals)-1)
	for i, c := range capitals {
		require.NoError(t, st.InsertBankrollSnapshot(&store.BankrollSnapshot{
			Timestamp:    since.Add(time.Duration(i) * step),
			Label:        "trade",
			TotalCapital: decimal.NewFromFloat(c),
		}))
	}
}

func TestGatePassesOnQualifyingHistory(t *testing.T) {
	st := newGateStore(t)
	since := time.Now().UTC().Add(-169 * time.Hour)

	seedSnapshots(t, st, since, 169*time.Hour, []float64{100, 110, 118, 130})

	result, err := EvaluateGate(st, gateConfig(), since)
	require.NoError(t, err)
	assert.True(t, result.Passed, "reasons: %v", result.Reasons)
}

func TestGateFailsBelowROITarget(t *testing.T) {
	st := newGateStore(t)
	since := time.Now().UTC().Add(-169 * time.Hour)

	// Capital 120 < 125 promotion target after a full window.
	seedSnapshots(t, st, since, 169*time.Hour, []float64{100, 105, 115, 120})

	result, err := EvaluateGate(st, gateConfig(), since)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], "promotion target")
}

func TestGateFailsOnShortRuntime(t *testing.T) {
	st := newGateStore(t)
	since := time.Now().UTC().Add(-10 * time.Hour)

	seedSnapshots(t, st, since, 10*time.Hour, []float64{100, 130})

	result, err := EvaluateGate(st, gateConfig(), since)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reasons[0], "runtime")
}

func TestGateFailsOnDrawdown(t *testing.T) {
	st := newGateStore(t)
	since := time.Now().UTC().Add(-169 * time.Hour)

	// Peak 140 → trough 98: drawdown 0.30 breaches the 0.20 bound even
	// though the final capital clears the ROI target.
	seedSnapshots(t, st, since, 169*time.Hour, []float64{100, 140, 98, 130})

	result, err := EvaluateGate(st, gateConfig(), since)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reasons[0], "drawdown")
}

func TestGateFailsOnCriticalRiskEvent(t *testing.T) {
	st := newGateStore(t)
	since := time.Now().UTC().Add(-169 * time.Hour)

	seedSnapshots(t, st, since, 169*time.Hour, []float64{100, 115, 125, 130})
	require.NoError(t, st.InsertRiskEvent(&store.RiskEvent{
		Kind:     "kill_switch",
		Severity: store.SeverityCritical,
		Detail:   "consecutive losses",
	}))

	result, err := EvaluateGate(st, gateConfig(), since)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reasons[0], "critical")
}

func TestGateFailsWithoutHistory(t *testing.T) {
	st := newGateStore(t)

	result, err := EvaluateGate(st, gateConfig(), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reasons[0], "no paper history")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := gateConfig()
	cfg.DurationHours = 0
	_, err := New(cfg)
	assert.Error(t, err)
}
