package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Whale lifecycle states. Transitions only move forward; rejected is a
// terminal sibling of qualified.
const (
	StatusDiscovered = "discovered"
	StatusQualified  = "qualified"
	StatusRanked     = "ranked"
	StatusRejected   = "rejected"
)

// statusRank orders the forward-only lifecycle. Explicit demotions
// (qualified/ranked → discovered, ranked → qualified) are the only
// backward moves and go through DemoteWhale, never UpsertWhale.
var statusRank = map[string]int{
	StatusDiscovered: 1,
	StatusQualified:  2,
	StatusRanked:     3,
	StatusRejected:   2, // sibling of qualified
}

// Whale is a tracked trader address and its activity statistics.
type Whale struct {
	WalletAddress   string          `gorm:"primaryKey"`
	FirstSeenAt     time.Time       // write-once
	LastActiveAt    time.Time       `gorm:"index"`
	TotalTrades     int
	TotalVolumeUSD  decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgTradeSizeUSD decimal.Decimal `gorm:"type:decimal(20,6)"`
	TradesLast3Days int
	DaysActive      int
	RiskScore       int
	RankScore       float64 `gorm:"index"`
	Status          string  `gorm:"index"`
	IsActive        bool    `gorm:"index"`

	// Realized stats for whales we have copied.
	RealizedPnlUSD   decimal.Decimal `gorm:"type:decimal(20,6)"`
	CopiedTradeCount int

	UpdatedAt time.Time
}

// WhaleTrade is one observed trade attributed to a whale. Unique by the
// external trade ID so re-polls never duplicate rows.
type WhaleTrade struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	WhaleAddress    string `gorm:"index"`
	MarketID        string `gorm:"index"`
	Side            string
	SizeUSD         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price           decimal.Decimal `gorm:"type:decimal(10,6)"`
	TradedAt        time.Time       `gorm:"index"`
	TradeExternalID string          `gorm:"uniqueIndex"`
	CreatedAt       time.Time
}

// Trade status values for virtual trade records.
const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// VirtualTrade is the persisted outcome of a paper (or live) trade.
type VirtualTrade struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	TradeID       string `gorm:"uniqueIndex"`
	OpportunityID string `gorm:"index"`
	MarketID      string `gorm:"index"`
	AssetID       string
	Side          string
	Size          decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price         decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	Exchange      string
	Commission    decimal.Decimal `gorm:"type:decimal(20,6)"`
	GasCostUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	GrossPnl      decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalFees     decimal.Decimal `gorm:"type:decimal(20,6)"`
	NetPnl        decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status        string          `gorm:"index"`
	WhaleSource   string          `gorm:"index"`
	ExecutedAt    time.Time
	SettledAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BankrollSnapshot captures the ledger state at a moment.
type BankrollSnapshot struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp     time.Time `gorm:"index"`
	Label         string    // "trade" or "equity"
	TotalCapital  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Allocated     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Available     decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyPnl      decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyDrawdown decimal.Decimal `gorm:"type:decimal(10,6)"`
	TotalTrades   int
	WinCount      int
	LossCount     int
	CreatedAt     time.Time
}

// RiskEvent severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// RiskEvent records a risk decision or kill-switch activation.
type RiskEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Kind      string `gorm:"index"`
	Severity  string `gorm:"index"`
	Strategy  string
	MarketID  string
	Detail    string
	CreatedAt time.Time
}

// Opportunity is the audit record of a detected signal, persisted
// whether or not it was executed.
type Opportunity struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	OpportunityID string `gorm:"uniqueIndex"`
	WhaleAddress  string `gorm:"index"`
	MarketID      string
	Side          string
	SizeUSD       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price         decimal.Decimal `gorm:"type:decimal(10,6)"`
	DetectedAt    time.Time
	Executed      bool
	CreatedAt     time.Time
}

// DetectorHealth is the per-cycle blocker report: how many addresses
// failed each qualification gate.
type DetectorHealth struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	CycleAt         time.Time `gorm:"index"`
	TrackedCount    int
	QualifiedCount  int
	RankedCount     int
	FailMinTrades   int
	FailMinVolume   int
	FailRecent      int
	FailDaysActive  int
	FailInactive    int
	CreatedAt       time.Time
}
