package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MARKETCORE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETCORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are expected to arrive this way.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.Log.Level, "LOG_LEVEL")

	// ── Session ──
	setInt(&cfg.Session.MaxAttempts, "SESSION_MAX_ATTEMPTS")
	setDuration(&cfg.Session.BackoffBase, "SESSION_BACKOFF_BASE")
	setDuration(&cfg.Session.BackoffCap, "SESSION_BACKOFF_CAP")
	setDuration(&cfg.Session.Liveness, "SESSION_LIVENESS")

	// ── Exchanges: MARKETCORE_EXCHANGE_<ID>_API_KEY etc. ──
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		id := strings.ToUpper(ex.ID)
		setStr(&ex.APIKey, "EXCHANGE_"+id+"_API_KEY")
		setStr(&ex.SecretKey, "EXCHANGE_"+id+"_SECRET_KEY")
		setStr(&ex.SecretKeyFile, "EXCHANGE_"+id+"_SECRET_KEY_FILE")
		setStr(&ex.SecretKeyPassword, "EXCHANGE_"+id+"_SECRET_KEY_PASSWORD")
		setStr(&ex.StreamURL, "EXCHANGE_"+id+"_STREAM_URL")
		setBool(&ex.Testnet, "EXCHANGE_"+id+"_TESTNET")
	}

	// ── Risk ──
	setDecimal(&cfg.Risk.MaxPositionNotional, "RISK_MAX_POSITION_NOTIONAL")
	setDecimal(&cfg.Risk.MaxAggregateNotional, "RISK_MAX_AGGREGATE_NOTIONAL")
	setDecimal(&cfg.Risk.MaxLeverage, "RISK_MAX_LEVERAGE")
	setStringSlice(&cfg.Risk.AllowList, "RISK_ALLOW_LIST")

	// ── Ledger ──
	setStr(&cfg.Ledger.CostPolicy, "LEDGER_COST_POLICY")
	setDecimalPtr(&cfg.Ledger.QuantityTolerance, "LEDGER_QUANTITY_TOLERANCE")
	setDecimalPtr(&cfg.Ledger.PriceTolerancePct, "LEDGER_PRICE_TOLERANCE_PCT")
	setDecimal(&cfg.Ledger.InitialCollateral, "LEDGER_INITIAL_COLLATERAL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty. key excludes EnvPrefix.
// ---------------------------------------------------------------------------

func lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v, ok := lookup(key); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDecimalPtr(dst **decimal.Decimal, key string) {
	if v, ok := lookup(key); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = &d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v, ok := lookup(key); ok {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
