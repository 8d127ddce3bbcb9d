package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	if cfg.Exchanges != nil {
		out.Exchanges = make([]ExchangeConfig, len(cfg.Exchanges))
		for i, ex := range cfg.Exchanges {
			redact(&ex.APIKey)
			redact(&ex.SecretKey)
			redact(&ex.SecretKeyPassword)
			ex.Instruments = append([]string(nil), ex.Instruments...)
			out.Exchanges[i] = ex
		}
	}

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Risk.AllowList = append([]string(nil), cfg.Risk.AllowList...)
	out.Risk.InstrumentNotional = maps.Clone(cfg.Risk.InstrumentNotional)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	if cfg.Strategies != nil {
		out.Strategies = make([]StrategyConfig, len(cfg.Strategies))
		for i, s := range cfg.Strategies {
			s.Instruments = append([]string(nil), s.Instruments...)
			s.Params = maps.Clone(s.Params)
			out.Strategies[i] = s
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
