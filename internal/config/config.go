package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Artifacts  ArtifactConfig   `yaml:"artifacts" mapstructure:"artifacts"`
	Services   ServicesConfig   `yaml:"services" mapstructure:"services"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Controller ControllerConfig `yaml:"controller" mapstructure:"controller"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the work queue.
type QueueConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	Stream   string `yaml:"stream" mapstructure:"stream"`
	Group    string `yaml:"group" mapstructure:"group"`
	// GroupTTLHours bounds how long an unfinished join counter lives.
	GroupTTLHours int `yaml:"group_ttl_hours" mapstructure:"group_ttl_hours"`
}

// ArtifactConfig configures where structure files are read and written.
type ArtifactConfig struct {
	Driver   string      `yaml:"driver" mapstructure:"driver"`
	LocalDir string      `yaml:"local_dir" mapstructure:"local_dir"`
	MinIO    MinIOConfig `yaml:"minio" mapstructure:"minio"`
}

// MinIOConfig holds S3-compatible object storage settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// ServicesConfig holds the compute services each stage calls.
type ServicesConfig struct {
	Zeopp     ServiceConfig `yaml:"zeopp" mapstructure:"zeopp"`
	Converter ServiceConfig `yaml:"converter" mapstructure:"converter"`
	MACE      ServiceConfig `yaml:"mace" mapstructure:"mace"`
	XTB       ServiceConfig `yaml:"xtb" mapstructure:"xtb"`
}

// ServiceConfig configures one HTTP compute service.
type ServiceConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AnthropicConfig holds Anthropic API settings used for rule generation.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// WorkerConfig configures queue consumers.
type WorkerConfig struct {
	Concurrency  int    `yaml:"concurrency" mapstructure:"concurrency"`
	ConsumerName string `yaml:"consumer_name" mapstructure:"consumer_name"`
	// ReconcileOnEvent evaluates the batch barrier after every stage that
	// leaves an item at a barrier-relevant status.
	ReconcileOnEvent bool `yaml:"reconcile_on_event" mapstructure:"reconcile_on_event"`
	// DrainTimeoutSecs is how long running jobs may finish after SIGTERM.
	// Jobs still running afterwards are left for redelivery.
	DrainTimeoutSecs int `yaml:"drain_timeout_secs" mapstructure:"drain_timeout_secs"`
}

// ControllerConfig configures the reconciliation sweep.
type ControllerConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// MonitoringConfig configures health alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckBatchHours      int     `yaml:"stuck_batch_hours" mapstructure:"stuck_batch_hours"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// RetryConfig configures client-side retries of connection failures. One
// attempt (the default) disables retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the intake API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file, and environment.
func Load() (*Config, error) {
	// .env is optional; variables already set in the process win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MOFSCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.driver", "valkey")
	v.SetDefault("queue.addr", "localhost:6379")
	v.SetDefault("queue.stream", "mofscreen:jobs")
	v.SetDefault("queue.group", "mofscreen-workers")
	v.SetDefault("queue.group_ttl_hours", 72)
	v.SetDefault("artifacts.driver", "local")
	v.SetDefault("artifacts.local_dir", "data")
	v.SetDefault("artifacts.minio.bucket", "mof-screen")
	v.SetDefault("services.zeopp.base_url", "http://localhost:8001")
	v.SetDefault("services.zeopp.timeout_secs", 300)
	v.SetDefault("services.converter.base_url", "http://localhost:8002")
	v.SetDefault("services.converter.timeout_secs", 120)
	v.SetDefault("services.mace.base_url", "http://localhost:8003")
	v.SetDefault("services.mace.timeout_secs", 600)
	v.SetDefault("services.xtb.base_url", "http://localhost:8004")
	v.SetDefault("services.xtb.timeout_secs", 3600)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.consumer_name", "worker-1")
	v.SetDefault("worker.reconcile_on_event", true)
	v.SetDefault("worker.drain_timeout_secs", 30)
	v.SetDefault("controller.interval_secs", 120)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_batch_hours", 12)
	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
