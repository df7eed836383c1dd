// Package store is the persistence layer: whales, whale trades,
// virtual trades, bankroll snapshots, risk events, and audit tables.
// SQLite for local runs, PostgreSQL when the DSN says so.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrPersistence wraps any database failure so callers can roll back
// in-memory state on a single errors.Is check.
var ErrPersistence = errors.New("store: persistence error")

type Store struct {
	db *gorm.DB
}

// New opens the database and migrates the schema. A postgres:// DSN
// selects PostgreSQL, anything else is treated as a SQLite path.
func New(dsn string) (*Store, error) {
	dialector, driver, err := resolveDialector(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, driver, err)
	}

	if err := db.AutoMigrate(
		&Whale{}, &WhaleTrade{}, &VirtualTrade{}, &BankrollSnapshot{},
		&RiskEvent{}, &Opportunity{}, &DetectorHealth{},
	); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}

	log.Info().Str("driver", driver).Msg("store ready")
	return &Store{db: db}, nil
}

// resolveDialector maps the DSN onto a gorm driver. SQLite paths get
// their parent directory created up front so a fresh checkout can run
// with the default data/ location.
func resolveDialector(dsn string) (gorm.Dialector, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn), "postgres", nil
	}

	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, "", fmt.Errorf("%w: sqlite dir %s: %v", ErrPersistence, dir, err)
		}
	}
	return sqlite.Open(dsn), "sqlite", nil
}

// ═══════════════════════════ whales ═══════════════════════════

// UpsertWhale merges the whale row by wallet address. first_seen_at is
// write-once and status never moves backward through this path.
func (s *Store) UpsertWhale(w *Whale) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing Whale
		res := tx.Where("wallet_address = ?", w.WalletAddress).First(&existing)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				if w.FirstSeenAt.IsZero() {
					w.FirstSeenAt = time.Now().UTC()
				}
				return tx.Create(w).Error
			}
			return res.Error
		}

		w.FirstSeenAt = existing.FirstSeenAt
		if existing.Status == StatusRejected || statusRank[w.Status] < statusRank[existing.Status] {
			w.Status = existing.Status
		}
		return tx.Model(&Whale{}).Where("wallet_address = ?", w.WalletAddress).
			Updates(map[string]any{
				"last_active_at":     w.LastActiveAt,
				"total_trades":       w.TotalTrades,
				"total_volume_usd":   w.TotalVolumeUSD,
				"avg_trade_size_usd": w.AvgTradeSizeUSD,
				"trades_last3_days":  w.TradesLast3Days,
				"days_active":        w.DaysActive,
				"risk_score":         w.RiskScore,
				"rank_score":         w.RankScore,
				"status":             w.Status,
				"is_active":          w.IsActive,
				"realized_pnl_usd":   w.RealizedPnlUSD,
				"copied_trade_count": w.CopiedTradeCount,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: upsert whale %s: %v", ErrPersistence, w.WalletAddress, err)
	}
	return nil
}

// DemoteWhale is the explicit path for backward transitions: a
// qualified or ranked whale that no longer meets thresholds returns to
// discovered, and a ranked whale that leaves the top-N returns to
// qualified.
func (s *Store) DemoteWhale(address, toStatus string) error {
	err := s.db.Model(&Whale{}).Where("wallet_address = ?", address).
		Update("status", toStatus).Error
	if err != nil {
		return fmt.Errorf("%w: demote whale %s: %v", ErrPersistence, address, err)
	}
	return nil
}

// InsertWhaleTrade is idempotent on the external trade ID. Returns
// whether a new row was written.
func (s *Store) InsertWhaleTrade(t *WhaleTrade) (bool, error) {
	res := s.db.Where("trade_external_id = ?", t.TradeExternalID).FirstOrCreate(t)
	if res.Error != nil {
		return false, fmt.Errorf("%w: insert whale trade: %v", ErrPersistence, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetWhale fetches one whale row, or nil when unknown.
func (s *Store) GetWhale(address string) (*Whale, error) {
	var w Whale
	err := s.db.Where("wallet_address = ?", address).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get whale %s: %v", ErrPersistence, address, err)
	}
	return &w, nil
}

// LoadKnownWhales primes the detector cache.
func (s *Store) LoadKnownWhales() (map[string]*Whale, error) {
	var whales []Whale
	if err := s.db.Find(&whales).Error; err != nil {
		return nil, fmt.Errorf("%w: load whales: %v", ErrPersistence, err)
	}
	out := make(map[string]*Whale, len(whales))
	for i := range whales {
		out[whales[i].WalletAddress] = &whales[i]
	}
	return out, nil
}

// LoadTopWhales returns the ranked cohort ordered by composite rank.
// Ties break on lower risk score, then earlier first observation.
func (s *Store) LoadTopWhales(n int) ([]Whale, error) {
	var whales []Whale
	err := s.db.
		Where("status IN ? AND is_active = ?", []string{StatusQualified, StatusRanked}, true).
		Order("rank_score DESC").
		Order("risk_score ASC").
		Order("first_seen_at ASC").
		Limit(n).
		Find(&whales).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load top whales: %v", ErrPersistence, err)
	}
	return whales, nil
}

// RecentWhaleTrades returns trades observed for one address since the
// cutoff, newest first.
func (s *Store) RecentWhaleTrades(address string, since time.Time) ([]WhaleTrade, error) {
	var trades []WhaleTrade
	err := s.db.Where("whale_address = ? AND traded_at >= ?", address, since).
		Order("traded_at DESC").Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("%w: whale trades: %v", ErrPersistence, err)
	}
	return trades, nil
}

// ═══════════════════════════ trades & bankroll ═══════════════════════════

// OpenTradeWithSnapshot writes the open trade record and its bankroll
// snapshot in one transaction.
func (s *Store) OpenTradeWithSnapshot(t *VirtualTrade, snap *BankrollSnapshot) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return tx.Create(snap).Error
	})
	if err != nil {
		return fmt.Errorf("%w: open trade %s: %v", ErrPersistence, t.TradeID, err)
	}
	return nil
}

// TradeClose carries the fields set when a trade settles.
type TradeClose struct {
	ExitPrice  decimal.Decimal
	GrossPnl   decimal.Decimal
	Commission decimal.Decimal
	GasCostUSD decimal.Decimal
	TotalFees  decimal.Decimal
	NetPnl     decimal.Decimal
	SettledAt  time.Time
}

// CloseTradeWithSnapshot updates the trade row to closed and writes the
// snapshot atomically — the paired-write invariant of the ledger.
func (s *Store) CloseTradeWithSnapshot(tradeID string, c TradeClose, snap *BankrollSnapshot) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&VirtualTrade{}).Where("trade_id = ? AND status = ?", tradeID, TradeStatusOpen).
			Updates(map[string]any{
				"exit_price":   c.ExitPrice,
				"gross_pnl":    c.GrossPnl,
				"commission":   c.Commission,
				"gas_cost_usd": c.GasCostUSD,
				"total_fees":   c.TotalFees,
				"net_pnl":      c.NetPnl,
				"status":       TradeStatusClosed,
				"settled_at":   c.SettledAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("trade %s not open", tradeID)
		}
		return tx.Create(snap).Error
	})
	if err != nil {
		return fmt.Errorf("%w: close trade %s: %v", ErrPersistence, tradeID, err)
	}
	return nil
}

// InsertBankrollSnapshot writes a standalone snapshot (equity runs).
func (s *Store) InsertBankrollSnapshot(snap *BankrollSnapshot) error {
	if err := s.db.Create(snap).Error; err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrPersistence, err)
	}
	return nil
}

// TradesByStatus lists virtual trades in one status, oldest first.
func (s *Store) TradesByStatus(status string) ([]VirtualTrade, error) {
	var trades []VirtualTrade
	if err := s.db.Where("status = ?", status).Order("executed_at ASC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("%w: trades by status: %v", ErrPersistence, err)
	}
	return trades, nil
}

// Snapshots returns the snapshot series since the cutoff, oldest first.
func (s *Store) Snapshots(since time.Time) ([]BankrollSnapshot, error) {
	var snaps []BankrollSnapshot
	if err := s.db.Where("timestamp >= ?", since).Order("timestamp ASC").Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("%w: snapshots: %v", ErrPersistence, err)
	}
	return snaps, nil
}

// LatestSnapshot returns the most recent snapshot, or nil when none exist.
func (s *Store) LatestSnapshot() (*BankrollSnapshot, error) {
	var snap BankrollSnapshot
	err := s.db.Order("timestamp DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest snapshot: %v", ErrPersistence, err)
	}
	return &snap, nil
}

// ═══════════════════════════ events & audit ═══════════════════════════

// InsertRiskEvent persists one risk decision.
func (s *Store) InsertRiskEvent(e *RiskEvent) error {
	if err := s.db.Create(e).Error; err != nil {
		return fmt.Errorf("%w: risk event: %v", ErrPersistence, err)
	}
	return nil
}

// CriticalRiskEventsSince counts critical events in the window; the
// promotion gate requires zero.
func (s *Store) CriticalRiskEventsSince(since time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&RiskEvent{}).
		Where("severity = ? AND created_at >= ?", SeverityCritical, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("%w: count risk events: %v", ErrPersistence, err)
	}
	return n, nil
}

// InsertOpportunity records a detected signal for audit.
func (s *Store) InsertOpportunity(o *Opportunity) error {
	if err := s.db.Create(o).Error; err != nil {
		return fmt.Errorf("%w: opportunity: %v", ErrPersistence, err)
	}
	return nil
}

// MarkOpportunityExecuted flips the audit row after a successful open.
func (s *Store) MarkOpportunityExecuted(opportunityID string) error {
	err := s.db.Model(&Opportunity{}).Where("opportunity_id = ?", opportunityID).
		Update("executed", true).Error
	if err != nil {
		return fmt.Errorf("%w: mark opportunity: %v", ErrPersistence, err)
	}
	return nil
}

// InsertDetectorHealth persists the per-cycle blocker report.
func (s *Store) InsertDetectorHealth(h *DetectorHealth) error {
	if err := s.db.Create(h).Error; err != nil {
		return fmt.Errorf("%w: detector health: %v", ErrPersistence, err)
	}
	return nil
}
