// Package config defines the top-level configuration for marketcore and
// provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETCORE_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	Log        LogConfig        `toml:"log"`
	Session    SessionConfig    `toml:"session"`
	Hub        HubConfig        `toml:"hub"`
	Exchanges  []ExchangeConfig `toml:"exchanges"`
	Risk       RiskConfig       `toml:"risk"`
	Execution  ExecutionConfig  `toml:"execution"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Paper      PaperConfig      `toml:"paper"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Strategies []StrategyConfig `toml:"strategies"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
}

// LogConfig selects the slog level.
type LogConfig struct {
	Level string `toml:"level"`
}

// SessionConfig tunes every streaming connection. MaxAttempts has no default.
type SessionConfig struct {
	BackoffBase Duration `toml:"backoff_base"`
	BackoffCap  Duration `toml:"backoff_cap"`
	MaxAttempts int      `toml:"max_attempts"`
	Liveness    Duration `toml:"liveness"`
	AckTimeout  Duration `toml:"ack_timeout"`
	DialTimeout Duration `toml:"dial_timeout"`
	QueueSize   int      `toml:"queue_size"`
}

// HubConfig tunes the market data hub caches and fan-out.
type HubConfig struct {
	SubscriberBuffer int      `toml:"subscriber_buffer"`
	RecentTrades     int      `toml:"recent_trades"`
	MaxCandles       int      `toml:"max_candles"`
	BookDepth        int      `toml:"book_depth"`
	BackfillLimit    int      `toml:"backfill_limit"`
	SweepInterval    Duration `toml:"sweep_interval"`
	SweepGrace       Duration `toml:"sweep_grace"`
	MirrorInterval   Duration `toml:"mirror_interval"`
}

// ExchangeConfig describes one upstream venue.
type ExchangeConfig struct {
	ID        string `toml:"id"`
	Kind      string `toml:"kind"`
	StreamURL string `toml:"stream_url"`
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
	// SecretKeyFile is a sealed secret opened with SecretKeyPassword when
	// SecretKey is empty.
	SecretKeyFile     string `toml:"secret_key_file"`
	SecretKeyPassword string `toml:"-"`
	Testnet           bool   `toml:"testnet"`
	Sessions          int    `toml:"sessions"`
	// NativeCandles subscribes to exchange klines instead of building
	// candles from trades.
	NativeCandles bool `toml:"native_candles"`
	// Instruments are symbols whose tickers mark the ledger.
	Instruments []string `toml:"instruments"`
}

// RiskConfig holds the risk limits. Instruments use the "exchange:SYMBOL" form.
type RiskConfig struct {
	AllowList            []string                   `toml:"allow_list"`
	MaxPositionNotional  decimal.Decimal            `toml:"max_position_notional"`
	InstrumentNotional   map[string]decimal.Decimal `toml:"instrument_notional"`
	MaxAggregateNotional decimal.Decimal            `toml:"max_aggregate_notional"`
	MaxLeverage          decimal.Decimal            `toml:"max_leverage"`
	StrategyWindow       Duration                   `toml:"strategy_window"`
	StrategyMaxIntents   int                        `toml:"strategy_max_intents"`
	StrategyMaxNotional  decimal.Decimal            `toml:"strategy_max_notional"`
}

// ExecutionConfig tunes the execution coordinator.
type ExecutionConfig struct {
	SubmitTimeout   Duration `toml:"submit_timeout"`
	SubmitRate      float64  `toml:"submit_rate"`
	SubmitBurst     int      `toml:"submit_burst"`
	DedupTTL        Duration `toml:"dedup_ttl"`
	Retention       Duration `toml:"retention"`
	CleanupInterval Duration `toml:"cleanup_interval"`
	// ManualLimit intents per ManualWindow per API client; zero disables.
	ManualLimit  int      `toml:"manual_limit"`
	ManualWindow Duration `toml:"manual_window"`
	RecordBuffer int      `toml:"record_buffer"`
}

// LedgerConfig configures the position ledger. The tolerances are pointers
// so that an absent key can be told apart from zero.
type LedgerConfig struct {
	CostPolicy        string           `toml:"cost_policy"`
	QuantityTolerance *decimal.Decimal `toml:"quantity_tolerance"`
	PriceTolerancePct *decimal.Decimal `toml:"price_tolerance_pct"`
	MaintenanceRate   decimal.Decimal  `toml:"maintenance_rate"`
	FillRetention     int              `toml:"fill_retention"`
	InitialCollateral decimal.Decimal  `toml:"initial_collateral"`
}

// PaperConfig configures the in-process paper exchange.
type PaperConfig struct {
	FeeRate decimal.Decimal `toml:"fee_rate"`
}

// ReconcileConfig configures the periodic ledger reconciliation.
type ReconcileConfig struct {
	Interval Duration `toml:"interval"`
	LockTTL  Duration `toml:"lock_ttl"`
	PollOpen bool     `toml:"poll_open"`
}

// SnapshotConfig configures ledger persistence.
type SnapshotConfig struct {
	Interval     Duration `toml:"interval"`
	ArchiveEvery int      `toml:"archive_every"`
	// MarkPublishInterval throttles position publications on the bus.
	MarkPublishInterval Duration `toml:"mark_publish_interval"`
}

// StrategyConfig configures one strategy instance.
type StrategyConfig struct {
	Name        string             `toml:"name"`
	Kind        string             `toml:"kind"`
	Enabled     bool               `toml:"enabled"`
	Instruments []string           `toml:"instruments"`
	Timeframe   string             `toml:"timeframe"`
	Quantity    decimal.Decimal    `toml:"quantity"`
	Margin      bool               `toml:"margin"`
	Leverage    decimal.Decimal    `toml:"leverage"`
	Params      map[string]float64 `toml:"params"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled       bool     `toml:"enabled"`
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	KeyPrefix     string   `toml:"key_prefix"`
	MirrorTTL     Duration `toml:"mirror_ttl"`
	MirrorCandles int      `toml:"mirror_candles"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSize       int64  `toml:"part_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  Duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramBaseURL   string   `toml:"telegram_base_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          Duration `toml:"cooldown"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// session.max_attempts and the ledger tolerances are deliberately left unset.
func Defaults() Config {
	return Config{
		Mode: "hub",
		Log:  LogConfig{Level: "info"},
		Session: SessionConfig{
			BackoffBase: Duration{time.Second},
			BackoffCap:  Duration{60 * time.Second},
			Liveness:    Duration{30 * time.Second},
			AckTimeout:  Duration{10 * time.Second},
			DialTimeout: Duration{10 * time.Second},
			QueueSize:   256,
		},
		Hub: HubConfig{
			SubscriberBuffer: 256,
			RecentTrades:     200,
			MaxCandles:       1000,
			BookDepth:        50,
			BackfillLimit:    500,
			SweepInterval:    Duration{time.Minute},
			SweepGrace:       Duration{30 * time.Second},
			MirrorInterval:   Duration{250 * time.Millisecond},
		},
		Risk: RiskConfig{
			MaxLeverage:        decimal.NewFromInt(1),
			StrategyWindow:     Duration{time.Minute},
			InstrumentNotional: map[string]decimal.Decimal{},
		},
		Execution: ExecutionConfig{
			SubmitTimeout:   Duration{5 * time.Second},
			SubmitRate:      5,
			SubmitBurst:     5,
			DedupTTL:        Duration{24 * time.Hour},
			Retention:       Duration{time.Hour},
			CleanupInterval: Duration{30 * time.Second},
			ManualLimit:     10,
			ManualWindow:    Duration{time.Minute},
			RecordBuffer:    1024,
		},
		Ledger: LedgerConfig{
			CostPolicy:      "average",
			MaintenanceRate: decimal.RequireFromString("0.005"),
			FillRetention:   10000,
		},
		Paper: PaperConfig{
			FeeRate: decimal.RequireFromString("0.0004"),
		},
		Reconcile: ReconcileConfig{
			Interval: Duration{30 * time.Second},
		},
		Snapshot: SnapshotConfig{
			Interval:            Duration{30 * time.Second},
			ArchiveEvery:        10,
			MarkPublishInterval: Duration{time.Second},
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			KeyPrefix:     "marketcore",
			MirrorTTL:     Duration{5 * time.Minute},
			MirrorCandles: 500,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketcore-ledger",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  Duration{time.Minute},
		},
		Notify: NotifyConfig{
			Cooldown: Duration{5 * time.Minute},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"hub":   true,
	"paper": true,
	"live":  true,
}

// validLogLevels enumerates the accepted values for Config.Log.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validExchangeKinds = map[string]bool{
	"binance": true,
}

var validStrategyKinds = map[string]bool{
	"rsi_mean_reversion": true,
}

// Trading reports whether the mode runs the execution core.
func (c *Config) Trading() bool {
	m := strings.ToLower(c.Mode)
	return m == "paper" || m == "live"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: hub, paper, live)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level)
	}

	// Session
	if c.Session.MaxAttempts < 1 {
		add("session: max_attempts is required and must be >= 1")
	}
	if c.Session.BackoffBase.Duration <= 0 || c.Session.BackoffCap.Duration < c.Session.BackoffBase.Duration {
		add("session: backoff_base must be > 0 and backoff_cap >= backoff_base")
	}

	// Exchanges
	if len(c.Exchanges) == 0 {
		add("exchanges: at least one exchange is required")
	}
	seen := make(map[string]bool, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if ex.ID == "" {
			add("exchanges[%d]: id must not be empty", i)
		}
		if seen[strings.ToLower(ex.ID)] {
			add("exchanges[%d]: duplicate id %q", i, ex.ID)
		}
		seen[strings.ToLower(ex.ID)] = true
		if !validExchangeKinds[ex.Kind] {
			add("exchanges[%d]: unknown kind %q (valid: binance)", i, ex.Kind)
		}
		if ex.Sessions < 0 {
			add("exchanges[%d]: sessions must be >= 0", i)
		}
		if strings.EqualFold(c.Mode, "live") && (ex.APIKey == "" || (ex.SecretKey == "" && ex.SecretKeyFile == "")) {
			add("exchanges[%d]: api_key and secret_key (or secret_key_file) are required for live mode", i)
		}
		if ex.SecretKey == "" && ex.SecretKeyFile != "" && ex.SecretKeyPassword == "" {
			add("exchanges[%d]: secret_key_file requires %sEXCHANGE_%s_SECRET_KEY_PASSWORD", i, EnvPrefix, strings.ToUpper(ex.ID))
		}
	}

	if c.Trading() {
		// Ledger
		if c.Ledger.QuantityTolerance == nil {
			add("ledger: quantity_tolerance is required")
		} else if c.Ledger.QuantityTolerance.IsNegative() {
			add("ledger: quantity_tolerance must be >= 0")
		}
		if c.Ledger.PriceTolerancePct == nil {
			add("ledger: price_tolerance_pct is required")
		} else if c.Ledger.PriceTolerancePct.IsNegative() {
			add("ledger: price_tolerance_pct must be >= 0")
		}
		if c.Ledger.CostPolicy != "average" && c.Ledger.CostPolicy != "fifo" {
			add("ledger: unknown cost_policy %q (valid: average, fifo)", c.Ledger.CostPolicy)
		}

		// Risk
		if len(c.Risk.AllowList) == 0 {
			add("risk: allow_list must not be empty")
		}
		for _, s := range c.Risk.AllowList {
			if !strings.Contains(s, ":") {
				add("risk: allow_list entry %q must be exchange:SYMBOL", s)
			}
		}
		for s := range c.Risk.InstrumentNotional {
			if !strings.Contains(s, ":") {
				add("risk: instrument_notional key %q must be exchange:SYMBOL", s)
			}
		}
		if !c.Risk.MaxPositionNotional.IsPositive() {
			add("risk: max_position_notional must be > 0")
		}
		if !c.Risk.MaxAggregateNotional.IsPositive() {
			add("risk: max_aggregate_notional must be > 0")
		}
		if c.Risk.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
			add("risk: max_leverage must be >= 1")
		}

		// Execution
		if c.Execution.SubmitRate < 0 {
			add("execution: submit_rate must be >= 0")
		}
		if c.Reconcile.Interval.Duration <= 0 {
			add("reconcile: interval must be > 0")
		}
	}

	// Strategies
	names := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if !validStrategyKinds[s.Kind] {
			add("strategies[%d]: unknown kind %q (valid: rsi_mean_reversion)", i, s.Kind)
		}
		name := s.Name
		if name == "" {
			name = s.Kind
		}
		if names[name] {
			add("strategies[%d]: duplicate name %q", i, name)
		}
		names[name] = true
		if s.Enabled && len(s.Instruments) == 0 {
			add("strategies[%d]: instruments must not be empty", i)
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
