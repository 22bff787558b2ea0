// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type WorkerPool struct {
	DefaultConcurrency int           `mapstructure:"default_concurrency"`
	StallWindow        time.Duration `mapstructure:"stall_window"`
	ReaperInterval     time.Duration `mapstructure:"reaper_interval"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	BatchTimeout       time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
	PropagationFormat  string            `mapstructure:"propagation_format"`
	AttributeAllowlist []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive    bool              `mapstructure:"redact_sensitive"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Config is the whole service's ambient configuration. The queue
// provisioning table itself (names, criticality, MaxAttempts, base
// backoff) is fixed and lives in internal/manager, not here — only
// cross-cutting infra settings are configurable.
type Config struct {
	Namespace      string         `mapstructure:"namespace"`
	TestMode       bool           `mapstructure:"test_mode"`
	Redis          Redis          `mapstructure:"redis"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	WorkerPool     WorkerPool     `mapstructure:"worker_pool"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Namespace: "jobqueue",
		TestMode:  false,
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		WorkerPool: WorkerPool{
			DefaultConcurrency: 5,
			StallWindow:        30 * time.Second,
			ReaperInterval:     5 * time.Second,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file plus env overrides. TEST_MODE
// (spec §6 env vars: "NODE_ENV=test or a language-neutral equivalent")
// and REDIS_URL/REDIS_ADDR are read directly since they gate production
// behavior the caller needs at startup, independent of the YAML file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("namespace", def.Namespace)
	v.SetDefault("test_mode", def.TestMode)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("worker_pool.default_concurrency", def.WorkerPool.DefaultConcurrency)
	v.SetDefault("worker_pool.stall_window", def.WorkerPool.StallWindow)
	v.SetDefault("worker_pool.reaper_interval", def.WorkerPool.ReaperInterval)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if tm := os.Getenv("TEST_MODE"); tm != "" {
		cfg.TestMode = tm == "1" || strings.EqualFold(tm, "true")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// QueueConcurrency resolves a queue's worker concurrency from
// QUEUE_{NAME}_CONCURRENCY (spec §6: "upper-casing the queue name with
// hyphens replaced by underscores"), falling back to def when unset or
// invalid.
func QueueConcurrency(queueName string, def int) int {
	key := "QUEUE_" + strings.ToUpper(strings.ReplaceAll(queueName, "-", "_")) + "_CONCURRENCY"
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// YAML renders the effective, fully-resolved config back to YAML for the
// admin "show-config" command, so an operator can see what defaults and
// env overrides actually resolved to without re-reading the YAML file
// and every env var by hand.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Namespace == "" {
		return fmt.Errorf("namespace must be non-empty")
	}
	if cfg.WorkerPool.DefaultConcurrency < 1 {
		return fmt.Errorf("worker_pool.default_concurrency must be >= 1")
	}
	if cfg.WorkerPool.StallWindow <= 0 {
		return fmt.Errorf("worker_pool.stall_window must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
