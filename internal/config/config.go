package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Upstream Upstream
	Poll     Poll
	Sink     SinkConfig
	HTTP     HTTPConfig
	Identity Identity
}

type Upstream struct {
	BaseURL   string
	Token     string
	TokenFile string
	TimeoutMS int
}

type Poll struct {
	IntervalMS     int
	ChatRetention  int
	AlertRetention int
}

type SinkConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
}

type Identity struct {
	TierCacheTTLSecs int
}

const (
	defaultPollIntervalMS = 3000
	defaultChatRetention  = 50
	defaultAlertRetention = 5
	defaultSQLitePath     = "dashboard.db"
	defaultBatchSize      = 1
	defaultFlushMS        = 0
	defaultTimeoutMS      = 10000
	defaultRateRPS        = 20
	defaultRateBurst      = 40
)

func Load() Config {
	cfg := Config{}

	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SYNC_UPSTREAM_URL")), "/")
	cfg.Upstream.Token = strings.TrimSpace(os.Getenv("SYNC_UPSTREAM_TOKEN"))
	cfg.Upstream.TokenFile = strings.TrimSpace(os.Getenv("SYNC_UPSTREAM_TOKEN_FILE"))
	cfg.Upstream.TimeoutMS = readInt("SYNC_UPSTREAM_TIMEOUT_MS", defaultTimeoutMS)

	cfg.Poll.IntervalMS = readInt("SYNC_POLL_INTERVAL_MS", defaultPollIntervalMS)
	cfg.Poll.ChatRetention = readInt("SYNC_CHAT_RETENTION", defaultChatRetention)
	cfg.Poll.AlertRetention = readInt("SYNC_ALERT_RETENTION", defaultAlertRetention)

	cfg.Sink.SQLitePath = strings.TrimSpace(os.Getenv("SYNC_SQLITE_PATH"))
	if cfg.Sink.SQLitePath == "" {
		cfg.Sink.SQLitePath = defaultSQLitePath
	}
	cfg.Sink.BatchSize = readInt("SYNC_SINK_BATCH_SIZE", defaultBatchSize)
	cfg.Sink.FlushMaxMS = readIntAllowZero("SYNC_SINK_FLUSH_MAX_MS", defaultFlushMS)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("SYNC_HTTP_ADDR"))
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("SYNC_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("SYNC_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("SYNC_HTTP_RATE_BURST", defaultRateBurst)

	// 0 keeps tier-cache entries until an explicit clear or mapping change.
	cfg.Identity.TierCacheTTLSecs = readIntAllowZero("SYNC_TIER_CACHE_TTL_SECS", 0)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readIntAllowZero(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return def
	}
	return n
}

func (c Config) PollInterval() time.Duration {
	if c.Poll.IntervalMS <= 0 {
		return defaultPollIntervalMS * time.Millisecond
	}
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

func (c Config) UpstreamTimeout() time.Duration {
	if c.Upstream.TimeoutMS <= 0 {
		return defaultTimeoutMS * time.Millisecond
	}
	return time.Duration(c.Upstream.TimeoutMS) * time.Millisecond
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) TierCacheTTL() time.Duration {
	if c.Identity.TierCacheTTLSecs <= 0 {
		return 0
	}
	return time.Duration(c.Identity.TierCacheTTLSecs) * time.Second
}

func (c Config) ChatRetention() int {
	if c.Poll.ChatRetention <= 0 {
		return defaultChatRetention
	}
	return c.Poll.ChatRetention
}

func (c Config) AlertRetention() int {
	if c.Poll.AlertRetention <= 0 {
		return defaultAlertRetention
	}
	return c.Poll.AlertRetention
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"upstream": map[string]any{
			"base_url":   c.Upstream.BaseURL,
			"token":      redactString(c.Upstream.Token),
			"token_file": c.Upstream.TokenFile,
			"timeout_ms": c.Upstream.TimeoutMS,
		},
		"poll": map[string]any{
			"interval_ms":     c.Poll.IntervalMS,
			"chat_retention":  c.ChatRetention(),
			"alert_retention": c.AlertRetention(),
		},
		"sink": map[string]any{
			"sqlite_path": c.Sink.SQLitePath,
			"batch_size":  c.Batch(),
			"flush_ms":    c.Sink.FlushMaxMS,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
		},
		"identity": map[string]any{
			"tier_cache_ttl_secs": c.Identity.TierCacheTTLSecs,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
