package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath   = "config/config.yml"
	DefaultAccountsPath = "config/accounts.yml"
)

var configEnvPaths = map[string]string{
	environmentStaging:    "config/config.staging.yml",
	environmentProduction: "config/config.production.yml",
}

type Config struct {
	CryptoGuard CryptoGuardConfig `yaml:"cryptoguard"`
	Binance     BinanceConfig     `yaml:"binance"`
	Stream      StreamConfig      `yaml:"stream"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Latency     LatencyConfig     `yaml:"latency"`
	Storage     StorageConfig     `yaml:"storage"`
	Safety      SafetyConfig      `yaml:"safety"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type CryptoGuardConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BinanceConfig struct {
	RestURL    string        `yaml:"rest_url"`
	StreamURL  string        `yaml:"stream_url"`
	Testnet    bool          `yaml:"testnet"`
	Timeout    time.Duration `yaml:"timeout"`
	RecvWindow int64         `yaml:"recv_window"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatGrace    time.Duration `yaml:"heartbeat_grace"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	HistoryLimit      int           `yaml:"history_limit"`
	Tickers           []string      `yaml:"tickers"`
	UseWebsocket      bool          `yaml:"use_websocket"`
	Interval          string        `yaml:"interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

type ReconcileConfig struct {
	OrderInterval    time.Duration `yaml:"order_interval"`
	PositionInterval time.Duration `yaml:"position_interval"`
	QuoteAssets      []string      `yaml:"quote_assets"`
}

type RateLimitConfig struct {
	WeightPerMinute int           `yaml:"weight_per_minute"`
	OrdersPerMinute int           `yaml:"orders_per_minute"`
	OrdersPer10s    int           `yaml:"orders_per_10s"`
	RuleCacheTTL    time.Duration `yaml:"rule_cache_ttl"`
	Category        string        `yaml:"category"`
	DiscoverLimits  bool          `yaml:"discover_limits"`
}

// LatencyConfig holds the hot-reloadable latency thresholds.
type LatencyConfig struct {
	WarningThresholdMs         int64         `yaml:"warning_threshold_ms"`
	CriticalThresholdMs        int64         `yaml:"critical_threshold_ms"`
	AverageThresholdMs         int64         `yaml:"average_threshold_ms"`
	EnableEmergencyLiquidation bool          `yaml:"enable_emergency_liquidation"`
	EnableOrderCancellation    bool          `yaml:"enable_order_cancellation"`
	HistoryLimit               int           `yaml:"history_limit"`
	ProbeInterval              time.Duration `yaml:"probe_interval"`
}

type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnString returns the DSN, assembling it from parts when none is given.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, sslMode)
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

type SafetyConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
	Dashboard  string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Binance: BinanceConfig{
			Timeout:    10 * time.Second,
			RecvWindow: 5000,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatGrace:    10 * time.Second,
			MaxAttempts:       5,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			HistoryLimit:      1000,
			UseWebsocket:      true,
			Interval:          "1m",
			PollInterval:      5 * time.Second,
		},
		Reconcile: ReconcileConfig{
			OrderInterval:    5 * time.Second,
			PositionInterval: 5 * time.Second,
			QuoteAssets:      []string{"USDT", "USDC"},
		},
		RateLimit: RateLimitConfig{
			WeightPerMinute: 2400,
			OrdersPerMinute: 1200,
			OrdersPer10s:    300,
			RuleCacheTTL:    5 * time.Minute,
			Category:        "futures",
		},
		Latency: DefaultLatency(),
		Storage: StorageConfig{
			Backend: "memory",
			S3: S3Config{
				FlushInterval: time.Minute,
				BatchSize:     500,
			},
		},
		Safety: SafetyConfig{
			Kafka: KafkaConfig{Topic: "cryptoguard.safety"},
		},
		Dashboard: DashboardConfig{
			Address:        ":8080",
			SampleInterval: 5 * time.Second,
			LogHistory:     200,
			MetricsHistory: 200,
		},
		Metrics: MetricsConfig{Namespace: "CryptoGuard"},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
	}
}

// DefaultLatency returns the built-in latency thresholds.
func DefaultLatency() LatencyConfig {
	return LatencyConfig{
		WarningThresholdMs:         1000,
		CriticalThresholdMs:        3000,
		AverageThresholdMs:         500,
		EnableEmergencyLiquidation: true,
		EnableOrderCancellation:    true,
		HistoryLimit:               100,
	}
}

// ResolveConfigPath picks the APP_ENV specific config file when the caller
// asked for the default one.
func ResolveConfigPath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath, configEnvPaths)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Storage.Backend = strings.ToLower(strings.TrimSpace(config.Storage.Backend))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.Binance.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			config.Binance.Testnet = b
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Safety.Kafka.Brokers = brokers
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.Region == "" {
		config.Metrics.Region = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.CryptoGuard.Name == "" {
		return fmt.Errorf("cryptoguard.name is required")
	}
	if cfg.CryptoGuard.Version == "" {
		return fmt.Errorf("cryptoguard.version is required")
	}

	if cfg.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("stream.max_attempts must be greater than 0")
	}
	if cfg.Stream.BaseDelay <= 0 || cfg.Stream.MaxDelay < cfg.Stream.BaseDelay {
		return fmt.Errorf("stream.base_delay must be positive and not exceed stream.max_delay")
	}
	if cfg.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be greater than 0")
	}

	if cfg.Reconcile.OrderInterval <= 0 || cfg.Reconcile.PositionInterval <= 0 {
		return fmt.Errorf("reconcile intervals must be greater than 0")
	}

	if cfg.RateLimit.WeightPerMinute <= 0 {
		return fmt.Errorf("rate_limit.weight_per_minute must be greater than 0")
	}
	if cfg.RateLimit.OrdersPerMinute <= 0 || cfg.RateLimit.OrdersPer10s <= 0 {
		return fmt.Errorf("rate_limit order ceilings must be greater than 0")
	}

	if err := validateLatency(cfg.Latency); err != nil {
		return err
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" && cfg.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.dsn or storage.postgres.host is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend '%s' is invalid", cfg.Storage.Backend)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Safety.Kafka.Enabled {
		if len(cfg.Safety.Kafka.Brokers) == 0 {
			return fmt.Errorf("safety.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Safety.Kafka.Topic == "" {
			return fmt.Errorf("safety.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

func validateLatency(l LatencyConfig) error {
	if l.WarningThresholdMs <= 0 || l.CriticalThresholdMs <= 0 || l.AverageThresholdMs <= 0 {
		return fmt.Errorf("latency thresholds must be greater than 0")
	}
	if l.CriticalThresholdMs < l.WarningThresholdMs {
		return fmt.Errorf("latency.critical_threshold_ms must not be below latency.warning_threshold_ms")
	}
	if l.HistoryLimit <= 0 {
		return fmt.Errorf("latency.history_limit must be greater than 0")
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
