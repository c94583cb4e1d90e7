package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Pricing.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// RPC URLs commonly embed a provider key in the path.
	redact(&out.Chain.RPCURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.CrossPost.Destinations != nil {
		out.CrossPost.Destinations = make([]DestinationConfig, len(cfg.CrossPost.Destinations))
		copy(out.CrossPost.Destinations, cfg.CrossPost.Destinations)
		for i := range out.CrossPost.Destinations {
			redact(&out.CrossPost.Destinations[i].APIKey)
		}
	}
	if cfg.Routers != nil {
		out.Routers = make([]RouterConfig, len(cfg.Routers))
		copy(out.Routers, cfg.Routers)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Chain.Conduits != nil {
		out.Chain.Conduits = make(map[string]string, len(cfg.Chain.Conduits))
		for k, v := range cfg.Chain.Conduits {
			out.Chain.Conduits[k] = v
		}
	}
	if cfg.Jobs.Concurrency != nil {
		out.Jobs.Concurrency = make(map[string]int, len(cfg.Jobs.Concurrency))
		for k, v := range cfg.Jobs.Concurrency {
			out.Jobs.Concurrency[k] = v
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
