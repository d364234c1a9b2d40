package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"

	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

const (
	defaultHTTPAddr         = ":8081"
	defaultMetricsAddr      = ":9092"
	defaultNATSURL          = "nats://localhost:4222"
	defaultRedisURL         = "redis://localhost:6379"
	defaultUploadDir        = "data/uploads"
	defaultResultsDir       = "data/results"
	defaultSQLitePath       = "data/jobs.db"
	defaultResultsTTL       = 86400 * time.Second
	defaultAPIKeyHeader     = "X-API-Key"
	defaultSubscriberQueue  = 256
	defaultStreamIdle       = 30 * time.Second
	defaultProgressInterval = 2 * time.Second
	defaultMaxConcurrent    = 8
	defaultSweepInterval    = 10 * time.Minute
	defaultRateLimitRPS     = 50
	defaultRateLimitBurst   = 100

	envHTTPAddr          = "JOBRELAY_HTTP_ADDR"
	envMetricsAddr       = "JOBRELAY_METRICS_ADDR"
	envUploadDir         = "JOBRELAY_UPLOAD_DIR"
	envResultsDir        = "JOBRELAY_RESULTS_DIR"
	envResultsTTLSeconds = "JOBRELAY_RESULTS_TTL_SECONDS"
	envBroker            = "JOBRELAY_BROKER"
	envRedisURL          = "REDIS_URL"
	envNATSURL           = "NATS_URL"
	envJobStore          = "JOBRELAY_JOB_STORE"
	envSQLitePath        = "JOBRELAY_SQLITE_PATH"
	envAPIKey            = "JOBRELAY_API_KEY"
	envAPIKeyHeader      = "JOBRELAY_API_KEY_HEADER"
	envSubscriberQueue   = "JOBRELAY_SUBSCRIBER_QUEUE"
	envStreamIdle        = "JOBRELAY_STREAM_IDLE"
	envProgressInterval  = "JOBRELAY_PROGRESS_INTERVAL"
	envMaxConcurrentJobs = "JOBRELAY_MAX_CONCURRENT_JOBS"
	envCommand           = "JOBRELAY_COMMAND"
	envSweepInterval     = "JOBRELAY_SWEEP_INTERVAL"
	envAllowedOrigins    = "JOBRELAY_ALLOWED_ORIGINS"
	envRateLimitRPS      = "API_RATE_LIMIT_RPS"
	envRateLimitBurst    = "API_RATE_LIMIT_BURST"
)

// Config holds runtime configuration for the gateway, executor and housekeeping.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	UploadDir  string        `yaml:"upload_dir"`
	ResultsDir string        `yaml:"results_dir"`
	ResultsTTL time.Duration `yaml:"results_ttl"`

	Broker   string `yaml:"broker"`
	RedisURL string `yaml:"redis_url"`
	NatsURL  string `yaml:"nats_url"`

	JobStore   string `yaml:"job_store"`
	SQLitePath string `yaml:"sqlite_path"`

	APIKey         string   `yaml:"api_key"`
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitRPS   int      `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`

	SubscriberQueue  int           `yaml:"subscriber_queue"`
	StreamIdle       time.Duration `yaml:"stream_idle"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	MaxConcurrent    int           `yaml:"max_concurrent_jobs"`
	Command          string        `yaml:"command"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		HTTPAddr:         envString(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:      envString(envMetricsAddr, defaultMetricsAddr),
		UploadDir:        envString(envUploadDir, defaultUploadDir),
		ResultsDir:       envString(envResultsDir, defaultResultsDir),
		ResultsTTL:       time.Duration(envInt(envResultsTTLSeconds, int(defaultResultsTTL/time.Second))) * time.Second,
		Broker:           strings.ToLower(envString(envBroker, BrokerMemory)),
		RedisURL:         envString(envRedisURL, defaultRedisURL),
		NatsURL:          envString(envNATSURL, defaultNATSURL),
		JobStore:         strings.ToLower(envString(envJobStore, StoreMemory)),
		SQLitePath:       envString(envSQLitePath, defaultSQLitePath),
		APIKey:           strings.TrimSpace(os.Getenv(envAPIKey)),
		APIKeyHeader:     envString(envAPIKeyHeader, defaultAPIKeyHeader),
		AllowedOrigins:   splitList(os.Getenv(envAllowedOrigins)),
		RateLimitRPS:     envInt(envRateLimitRPS, defaultRateLimitRPS),
		RateLimitBurst:   envInt(envRateLimitBurst, defaultRateLimitBurst),
		SubscriberQueue:  envInt(envSubscriberQueue, defaultSubscriberQueue),
		StreamIdle:       envDuration(envStreamIdle, defaultStreamIdle),
		ProgressInterval: envDuration(envProgressInterval, defaultProgressInterval),
		MaxConcurrent:    envInt(envMaxConcurrentJobs, defaultMaxConcurrent),
		Command:          strings.TrimSpace(os.Getenv(envCommand)),
		SweepInterval:    envDuration(envSweepInterval, defaultSweepInterval),
	}
	return cfg
}

// LoadFile overlays a YAML document on top of the environment configuration.
// An empty path returns the environment configuration unchanged.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Broker = strings.ToLower(strings.TrimSpace(cfg.Broker))
	cfg.JobStore = strings.ToLower(strings.TrimSpace(cfg.JobStore))
	return cfg, nil
}

// Validate rejects unknown backends and non-positive limits.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config required")
	}
	switch c.Broker {
	case BrokerMemory, BrokerRedis, BrokerNATS:
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}
	switch c.JobStore {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("unknown job store %q", c.JobStore)
	}
	if c.Broker == BrokerRedis || c.JobStore == StoreRedis {
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis url required")
		}
	}
	if c.Broker == BrokerNATS && strings.TrimSpace(c.NatsURL) == "" {
		return fmt.Errorf("nats url required")
	}
	if c.JobStore == StoreSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("sqlite path required")
	}
	if strings.TrimSpace(c.UploadDir) == "" || strings.TrimSpace(c.ResultsDir) == "" {
		return fmt.Errorf("upload and results directories required")
	}
	if c.ResultsTTL <= 0 {
		return fmt.Errorf("results ttl must be positive")
	}
	if c.SubscriberQueue <= 0 {
		return fmt.Errorf("subscriber queue must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent jobs must be positive")
	}
	if c.StreamIdle <= 0 || c.ProgressInterval <= 0 {
		return fmt.Errorf("stream idle and progress interval must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// envDuration accepts Go durations ("30s") or bare seconds ("30").
func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
