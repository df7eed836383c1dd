package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingField marks a fatal configuration problem. The process must
// exit with code 1 when Load returns an error wrapping it.
var ErrMissingField = fmt.Errorf("missing or invalid config field")

// Mode selects the execution backend.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// QualificationConfig holds the whale qualification thresholds.
type QualificationConfig struct {
	MinTrades        int
	MinVolumeUSD     decimal.Decimal
	MinTradesLast3d  int
	MinDaysActive    int
	MaxInactiveDays  int
	DailyTradeThresh int // trades in a day before a new address is a candidate
}

// RankingConfig holds composite-score parameters for the top-N view.
type RankingConfig struct {
	TopN       int
	WeightVol  float64
	WeightRec  float64
	WeightFreq float64
	WeightRisk float64
}

// RiskConfig defines the pre-trade gate and kill-switch limits.
type RiskConfig struct {
	MaxDailyLoss         decimal.Decimal
	MaxExposurePct       decimal.Decimal // fraction of bankroll, e.g. 0.80
	MaxPositionPerMarket decimal.Decimal
	MaxGasGwei           decimal.Decimal
	MaxDrawdownPct       decimal.Decimal // promotion-gate bound on peak-to-trough
	MaxConsecutiveLosses int
	SingleTradeDrawdown  decimal.Decimal // kill-switch fraction of bankroll
	FailedExecWindow     time.Duration
	MaxFailedExecs       int
	EmergencyUnwind      bool
}

// SizingConfig holds the fractional-Kelly parameters.
type SizingConfig struct {
	KellyPrior       float64
	Alpha            float64
	KellyFractionCap decimal.Decimal
	QuarterKellyMult decimal.Decimal
	MinPositionPct   decimal.Decimal // fraction of bankroll
	MaxPositionPct   decimal.Decimal
	RiskScoreMax     int
	AllowScaleIn     bool
	DedupWindow      time.Duration
}

// StreamConfig holds WebSocket heartbeat and reconnect parameters.
type StreamConfig struct {
	URL             string
	PingInterval    time.Duration
	ReadIdleTimeout time.Duration
	WriteTimeout    time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	RetryForever    bool
	BufferSize      int
}

// DataAPIConfig holds public Data API client policy.
type DataAPIConfig struct {
	URL           string
	RatePerMinute int
	Timeout       time.Duration
	MaxRetries    int
}

// BuilderConfig holds live-mode credentials for the gasless order path.
type BuilderConfig struct {
	URL              string
	APIKey           string
	APISecret        string
	APIPassphrase    string
	WalletPrivateKey string
	FunderAddress    string
}

// ExecutorConfig holds fee-schedule defaults. The Fill reported by the
// executor remains the authoritative post-trade amount.
type ExecutorConfig struct {
	CommissionRate decimal.Decimal
	GasCostUSD     decimal.Decimal
	Builder        BuilderConfig
}

type Config struct {
	Mode  string
	Debug bool
	Demo  bool

	InitialBankroll decimal.Decimal
	DurationHours   int

	PollingInterval      time.Duration
	DetectionWindowHours int
	MetricsInterval      time.Duration
	ReportInterval       time.Duration
	ShutdownGrace        time.Duration
	SubscribeTopK        int

	DatabaseDSN string

	Qualification QualificationConfig
	Ranking       RankingConfig
	Risk          RiskConfig
	Sizing        SizingConfig
	Stream        StreamConfig
	DataAPI       DataAPIConfig
	Executor      ExecutorConfig

	TelegramToken  string
	TelegramChatID int64
}

// Load reads configuration from the environment with defaults sized for
// the $100 paper bankroll. It fails fast on anything unusable.
func Load() (*Config, error) {
	cfg := &Config{
		Mode:  getEnv("COPY_MODE", ModePaper),
		Debug: getEnvBool("DEBUG", false),
		Demo:  getEnvBool("COPY_DEMO", false),

		InitialBankroll: getEnvDecimal("INITIAL_BANKROLL", decimal.NewFromInt(100)),
		DurationHours:   getEnvInt("DURATION_HOURS", 168),

		PollingInterval:      getEnvDuration("POLLING_INTERVAL", 60*time.Second),
		DetectionWindowHours: 72,
		MetricsInterval:      getEnvDuration("METRICS_INTERVAL", 5*time.Minute),
		ReportInterval:       getEnvDuration("REPORT_INTERVAL", time.Hour),
		ShutdownGrace:        getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		SubscribeTopK:        getEnvInt("SUBSCRIBE_TOP_K", 50),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/copybot.db"),

		Qualification: QualificationConfig{
			MinTrades:        getEnvInt("QUAL_MIN_TRADES", 10),
			MinVolumeUSD:     getEnvDecimal("QUAL_MIN_VOLUME_USD", decimal.NewFromInt(500)),
			MinTradesLast3d:  getEnvInt("QUAL_MIN_TRADES_LAST_3D", 3),
			MinDaysActive:    getEnvInt("QUAL_MIN_DAYS_ACTIVE", 1),
			MaxInactiveDays:  getEnvInt("QUAL_MAX_INACTIVE_DAYS", 30),
			DailyTradeThresh: getEnvInt("QUAL_DAILY_TRADE_THRESHOLD", 5),
		},

		Ranking: RankingConfig{
			TopN:       getEnvInt("RANKING_TOP_N", 10),
			WeightVol:  getEnvFloat("RANKING_WEIGHT_VOL", 0.5),
			WeightRec:  getEnvFloat("RANKING_WEIGHT_REC", 0.2),
			WeightFreq: getEnvFloat("RANKING_WEIGHT_FREQ", 0.2),
			WeightRisk: getEnvFloat("RANKING_WEIGHT_RISK", 0.1),
		},

		Risk: RiskConfig{
			MaxDailyLoss:         getEnvDecimal("RISK_MAX_DAILY_LOSS", decimal.NewFromInt(10)),
			MaxExposurePct:       getEnvDecimal("RISK_MAX_EXPOSURE_PCT", decimal.NewFromFloat(0.80)),
			MaxPositionPerMarket: getEnvDecimal("RISK_MAX_POSITION_PER_MARKET", decimal.NewFromInt(10)),
			MaxGasGwei:           getEnvDecimal("RISK_MAX_GAS_GWEI", decimal.NewFromInt(200)),
			MaxDrawdownPct:       getEnvDecimal("RISK_MAX_DRAWDOWN_PCT", decimal.NewFromFloat(0.20)),
			MaxConsecutiveLosses: getEnvInt("RISK_MAX_CONSECUTIVE_LOSSES", 3),
			SingleTradeDrawdown:  getEnvDecimal("RISK_SINGLE_TRADE_DRAWDOWN", decimal.NewFromFloat(0.05)),
			FailedExecWindow:     getEnvDuration("RISK_FAILED_EXEC_WINDOW", 10*time.Minute),
			MaxFailedExecs:       getEnvInt("RISK_MAX_FAILED_EXECS", 3),
			EmergencyUnwind:      getEnvBool("RISK_EMERGENCY_UNWIND", false),
		},

		Sizing: SizingConfig{
			KellyPrior:       getEnvFloat("SIZING_KELLY_PRIOR", 0.52),
			Alpha:            getEnvFloat("SIZING_ALPHA", 0.08),
			KellyFractionCap: getEnvDecimal("SIZING_KELLY_CAP", decimal.NewFromFloat(0.05)),
			QuarterKellyMult: getEnvDecimal("SIZING_QUARTER_KELLY", decimal.NewFromFloat(0.25)),
			MinPositionPct:   getEnvDecimal("SIZING_MIN_POSITION_PCT", decimal.NewFromFloat(0.01)),
			MaxPositionPct:   getEnvDecimal("SIZING_MAX_POSITION_PCT", decimal.NewFromFloat(0.05)),
			RiskScoreMax:     getEnvInt("SIZING_RISK_SCORE_MAX", 6),
			AllowScaleIn:     getEnvBool("COPY_ALLOW_SCALE_IN", false),
			DedupWindow:      getEnvDuration("COPY_DEDUP_WINDOW", 5*time.Second),
		},

		Stream: StreamConfig{
			URL:             getEnv("STREAM_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
			PingInterval:    getEnvDuration("STREAM_PING_INTERVAL", 5*time.Second),
			ReadIdleTimeout: getEnvDuration("STREAM_READ_IDLE_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("STREAM_WRITE_TIMEOUT", 5*time.Second),
			ReconnectMin:    getEnvDuration("STREAM_RECONNECT_MIN", time.Second),
			ReconnectMax:    getEnvDuration("STREAM_RECONNECT_MAX", 60*time.Second),
			RetryForever:    getEnvBool("STREAM_RETRY_FOREVER", true),
			BufferSize:      getEnvInt("STREAM_BUFFER_SIZE", 0), // 0 = derive from subscriptions
		},

		DataAPI: DataAPIConfig{
			URL:           getEnv("DATA_API_URL", "https://data-api.polymarket.com"),
			RatePerMinute: getEnvInt("DATA_API_RATE_PER_MINUTE", 100),
			Timeout:       getEnvDuration("DATA_API_TIMEOUT", 30*time.Second),
			MaxRetries:    getEnvInt("DATA_API_MAX_RETRIES", 3),
		},

		Executor: ExecutorConfig{
			CommissionRate: getEnvDecimal("EXECUTOR_COMMISSION_RATE", decimal.NewFromFloat(0.004)),
			GasCostUSD:     getEnvDecimal("EXECUTOR_GAS_COST_USD", decimal.NewFromFloat(0.01)),
			Builder: BuilderConfig{
				URL:              getEnv("BUILDER_URL", "https://clob.polymarket.com"),
				APIKey:           os.Getenv("BUILDER_API_KEY"),
				APISecret:        os.Getenv("BUILDER_API_SECRET"),
				APIPassphrase:    os.Getenv("BUILDER_API_PASSPHRASE"),
				WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
				FunderAddress:    os.Getenv("WALLET_FUNDER_ADDRESS"),
			},
		},

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid TELEGRAM_CHAT_ID: %v", ErrMissingField, err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the hard requirements before any component boots.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("%w: COPY_MODE must be %q or %q, got %q", ErrMissingField, ModePaper, ModeLive, c.Mode)
	}
	if c.DurationHours <= 0 {
		return fmt.Errorf("%w: DURATION_HOURS must be > 0", ErrMissingField)
	}
	if !c.InitialBankroll.IsPositive() {
		return fmt.Errorf("%w: INITIAL_BANKROLL must be positive", ErrMissingField)
	}
	if c.Stream.URL == "" {
		return fmt.Errorf("%w: STREAM_WS_URL is required", ErrMissingField)
	}
	if c.DataAPI.URL == "" {
		return fmt.Errorf("%w: DATA_API_URL is required", ErrMissingField)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("%w: DATABASE_DSN is required", ErrMissingField)
	}
	if c.DetectionWindowHours != 72 {
		return fmt.Errorf("%w: detection window is fixed at 72h", ErrMissingField)
	}
	if c.Mode == ModeLive {
		b := c.Executor.Builder
		if b.APIKey == "" || b.WalletPrivateKey == "" {
			return fmt.Errorf("%w: live mode requires BUILDER_API_KEY and WALLET_PRIVATE_KEY", ErrMissingField)
		}
	}
	return nil
}

// Runtime returns the runner's wall-clock budget. Demo mode compresses
// hours to minutes so a full validation cycle fits in a coffee break.
func (c *Config) Runtime() time.Duration {
	if c.Demo {
		return time.Duration(c.DurationHours) * time.Minute
	}
	return time.Duration(c.DurationHours) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
