package config

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Mode != ModePaper {
		t.Errorf("Mode = %q, want paper", cfg.Mode)
	}
	if !cfg.InitialBankroll.Equal(decimal.NewFromInt(100)) {
		t.Errorf("InitialBankroll = %s, want 100", cfg.InitialBankroll)
	}
	if cfg.DurationHours != 168 {
		t.Errorf("DurationHours = %d, want 168", cfg.DurationHours)
	}
	if cfg.DetectionWindowHours != 72 {
		t.Errorf("DetectionWindowHours = %d, want 72", cfg.DetectionWindowHours)
	}
	if cfg.Qualification.MinTrades != 10 {
		t.Errorf("MinTrades = %d, want 10", cfg.Qualification.MinTrades)
	}
	if cfg.Ranking.TopN != 10 {
		t.Errorf("TopN = %d, want 10", cfg.Ranking.TopN)
	}
	if cfg.Sizing.RiskScoreMax != 6 {
		t.Errorf("RiskScoreMax = %d, want 6", cfg.Sizing.RiskScoreMax)
	}
	if cfg.Sizing.AllowScaleIn {
		t.Error("AllowScaleIn should default to false")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INITIAL_BANKROLL", "250.50")
	t.Setenv("QUAL_MIN_TRADES", "20")
	t.Setenv("RANKING_TOP_N", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.InitialBankroll.Equal(decimal.NewFromFloat(250.50)) {
		t.Errorf("InitialBankroll = %s, want 250.50", cfg.InitialBankroll)
	}
	if cfg.Qualification.MinTrades != 20 {
		t.Errorf("MinTrades = %d, want 20", cfg.Qualification.MinTrades)
	}
	if cfg.Ranking.TopN != 5 {
		t.Errorf("TopN = %d, want 5", cfg.Ranking.TopN)
	}
}

func TestValidateRejectsZeroDuration(t *testing.T) {
	t.Setenv("DURATION_HOURS", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for DURATION_HOURS=0")
	}
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("error = %v, want ErrMissingField", err)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Setenv("COPY_MODE", "yolo")

	_, err := Load()
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("error = %v, want ErrMissingField", err)
	}
}

func TestValidateLiveRequiresCredentials(t *testing.T) {
	t.Setenv("COPY_MODE", "live")

	_, err := Load()
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("error = %v, want ErrMissingField for live mode without credentials", err)
	}
}

func TestRuntimeDemoCompression(t *testing.T) {
	cfg := &Config{DurationHours: 168}
	if got := cfg.Runtime().Hours(); got != 168 {
		t.Errorf("Runtime() = %v hours, want 168", got)
	}
	cfg.Demo = true
	if got := cfg.Runtime().Minutes(); got != 168 {
		t.Errorf("demo Runtime() = %v minutes, want 168", got)
	}
}
