package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	telemetry "synthmargin/observability/otel"
)

const (
	defaultListen      = ":8080"
	defaultGRPCListen  = ":9090"
	defaultDataDir     = "margind-data"
	defaultMarketsFile = "markets.toml"

	// EnvAuthSecret overrides auth.hmac_secret.
	EnvAuthSecret = "MARGIND_AUTH_SECRET"
	// EnvOTelEndpoint overrides telemetry.endpoint.
	EnvOTelEndpoint = "MARGIND_OTEL_ENDPOINT"
	// EnvOTelHeaders carries exporter headers as key=value pairs.
	EnvOTelHeaders = "OTEL_EXPORTER_OTLP_HEADERS"
)

// Config captures the runtime settings for the margin daemon.
type Config struct {
	ListenAddress     string            `yaml:"listen"`
	GRPCListenAddress string            `yaml:"grpc_listen"`
	Environment       string            `yaml:"environment"`
	DataDir           string            `yaml:"data_dir"`
	MarketsFile       string            `yaml:"markets"`
	Storage           StorageConfig     `yaml:"storage"`
	Outbox            OutboxConfig      `yaml:"outbox"`
	Idempotency       IdempotencyConfig `yaml:"idempotency"`
	Auth              AuthConfig        `yaml:"auth"`
	RateLimits        map[string]Limit  `yaml:"rate_limits"`
	CORS              CORSConfig        `yaml:"cors"`
	Oracle            OracleConfig      `yaml:"oracle"`
	Telemetry         TelemetryConfig   `yaml:"telemetry"`
	Logging           LoggingConfig     `yaml:"logging"`
	Audit             AuditConfig       `yaml:"audit"`
}

// StorageConfig selects the state backend. Backend is "leveldb" or "memory".
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// OutboxConfig configures the notification outbox. DSNs with a postgres://
// scheme select the Postgres driver; anything else is opened as SQLite.
type OutboxConfig struct {
	DSN           string        `yaml:"dsn"`
	RelayInterval time.Duration `yaml:"relay_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

type IdempotencyConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// AuthConfig holds bearer token validation settings.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// Limit mirrors middleware.RateLimit.
type Limit struct {
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// OracleConfig lists remote price feeds consulted ahead of operator-set
// prices. MaxAge of zero disables the freshness check.
type OracleConfig struct {
	MaxAge  time.Duration `yaml:"max_age"`
	Timeout time.Duration `yaml:"timeout"`
	Feeds   []FeedConfig  `yaml:"feeds"`
}

type FeedConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Metrics     bool              `yaml:"metrics"`
	Traces      bool              `yaml:"traces"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"-"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Requests   bool   `yaml:"requests"`
}

// AuditConfig controls parquet snapshot exports. Interval of zero disables the
// timer; exports can still be triggered over the admin API.
type AuditConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads the YAML configuration from disk, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if value, ok := lookup(EnvAuthSecret); ok && strings.TrimSpace(value) != "" {
		cfg.Auth.HMACSecret = value
	}
	if value, ok := lookup(EnvOTelEndpoint); ok && strings.TrimSpace(value) != "" {
		cfg.Telemetry.Endpoint = value
	}
	if value, ok := lookup(EnvOTelHeaders); ok {
		cfg.Telemetry.Headers = telemetry.ParseHeaders(value)
	}
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.GRPCListenAddress = strings.TrimSpace(cfg.GRPCListenAddress)
	if cfg.GRPCListenAddress == "" {
		cfg.GRPCListenAddress = defaultGRPCListen
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.MarketsFile = strings.TrimSpace(cfg.MarketsFile)
	if cfg.MarketsFile == "" {
		cfg.MarketsFile = defaultMarketsFile
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "state")
	}

	cfg.Outbox.DSN = strings.TrimSpace(cfg.Outbox.DSN)
	if cfg.Outbox.DSN == "" {
		cfg.Outbox.DSN = "file:" + filepath.Join(cfg.DataDir, "outbox.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	if cfg.Outbox.RelayInterval <= 0 {
		cfg.Outbox.RelayInterval = time.Second
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = 100
	}

	cfg.Idempotency.Path = strings.TrimSpace(cfg.Idempotency.Path)
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}

	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)

	limits := make(map[string]Limit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			limits[trimmed] = limit
		}
	}
	cfg.RateLimits = limits

	origins := make([]string, 0, len(cfg.CORS.AllowedOrigins))
	for _, origin := range cfg.CORS.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.CORS.AllowedOrigins = origins

	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = 5 * time.Second
	}
	feeds := make([]FeedConfig, 0, len(cfg.Oracle.Feeds))
	for _, feed := range cfg.Oracle.Feeds {
		feed.Name = strings.ToLower(strings.TrimSpace(feed.Name))
		feed.Endpoint = strings.TrimSpace(feed.Endpoint)
		feed.APIKey = strings.TrimSpace(feed.APIKey)
		if feed.Name == "" && feed.Endpoint == "" {
			continue
		}
		feeds = append(feeds, feed)
	}
	cfg.Oracle.Feeds = feeds

	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)

	cfg.Audit.Dir = strings.TrimSpace(cfg.Audit.Dir)
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(cfg.DataDir, "audit")
	}
}

func (cfg *Config) validate() error {
	switch cfg.Storage.Backend {
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret is required (or set %s)", EnvAuthSecret)
	}
	if len(cfg.Auth.HMACSecret) < 16 && cfg.Environment != "dev" {
		return fmt.Errorf("auth: hmac_secret must be at least 16 bytes outside dev")
	}
	for name, limit := range cfg.RateLimits {
		if limit.RatePerSecond < 0 || limit.Burst < 0 || limit.DefaultTokens < 0 {
			return fmt.Errorf("rate_limits.%s: values must not be negative", name)
		}
		if limit.Burst > 0 {
			for route, cost := range limit.Tokens {
				if cost > limit.Burst {
					return fmt.Errorf("rate_limits.%s: cost %d for %q exceeds burst %d", name, cost, route, limit.Burst)
				}
			}
		}
	}
	seen := make(map[string]struct{}, len(cfg.Oracle.Feeds))
	for i, feed := range cfg.Oracle.Feeds {
		if feed.Name == "" {
			return fmt.Errorf("oracle.feeds[%d]: name is required", i)
		}
		if feed.Name == "static" {
			return fmt.Errorf("oracle.feeds[%d]: name %q is reserved", i, feed.Name)
		}
		if feed.Endpoint == "" {
			return fmt.Errorf("oracle.feeds[%d]: endpoint is required", i)
		}
		if _, dup := seen[feed.Name]; dup {
			return fmt.Errorf("oracle.feeds[%d]: duplicate name %q", i, feed.Name)
		}
		seen[feed.Name] = struct{}{}
	}
	if cfg.Oracle.MaxAge < 0 {
		return fmt.Errorf("oracle: max_age must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	if cfg.Audit.Interval < 0 {
		return fmt.Errorf("audit: interval must not be negative")
	}
	return nil
}

// DevMode reports whether the daemon runs in the dev environment.
func (cfg Config) DevMode() bool {
	return cfg.Environment == "dev"
}
