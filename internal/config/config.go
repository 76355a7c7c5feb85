package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level worker configuration loaded from file and env.
//
// Required numeric and boolean settings are pointers so that an explicit zero
// (MAX_RETRIES=0, USE_MOCK_MODEL=false) can be told apart from "not set".
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Worker    WorkerConfig    `yaml:"worker"`
	AI        AIConfig        `yaml:"ai"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BrokerConfig locates the work queue and its dead-letter topology.
type BrokerConfig struct {
	URL                string `yaml:"url" env:"RABBITMQ_URL"`
	Exchange           string `yaml:"exchange" env:"EXCHANGE_NAME"`
	Queue              string `yaml:"queue" env:"QUEUE_NAME"`
	RoutingKey         string `yaml:"routingKey" env:"ROUTING_KEY"`
	DeadLetterExchange string `yaml:"deadLetterExchange" env:"DLX_NAME"`
	DeadLetterQueue    string `yaml:"deadLetterQueue" env:"DLQ_NAME"`
}

// WorkerConfig holds concurrency, heartbeat and shutdown tunables.
type WorkerConfig struct {
	ID                 string        `yaml:"id" env:"WORKER_ID"`
	Concurrency        int           `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	RenewInterval      time.Duration `yaml:"renewInterval" env:"HEARTBEAT_RENEW_INTERVAL"`
	StalenessThreshold time.Duration `yaml:"stalenessThreshold" env:"STALENESS_THRESHOLD"`
	MaxSilence         time.Duration `yaml:"maxSilence" env:"HEARTBEAT_MAX_SILENCE"`
	CleanupInterval    time.Duration `yaml:"cleanupInterval" env:"CLEANUP_INTERVAL"`
	DrainTimeout       time.Duration `yaml:"drainTimeout" env:"DRAIN_TIMEOUT"`
	DrainPollInterval  time.Duration `yaml:"drainPollInterval" env:"DRAIN_POLL_INTERVAL"`
	MaxRetries         *int          `yaml:"maxRetries" env:"MAX_RETRIES"`
	StatusInterval     time.Duration `yaml:"statusInterval" env:"HEARTBEAT_INTERVAL"`
	DLQPollInterval    time.Duration `yaml:"dlqPollInterval" env:"DLQ_POLL_INTERVAL"`
	DLQPeekLimit       int           `yaml:"dlqPeekLimit" env:"DLQ_PEEK_LIMIT"`
}

// AIConfig selects and tunes the analysis model.
type AIConfig struct {
	APIKey       string        `yaml:"apiKey" env:"GOOGLE_AI_API_KEY"`
	Model        string        `yaml:"model" env:"GOOGLE_AI_MODEL"`
	Temperature  *float64      `yaml:"temperature" env:"AI_TEMPERATURE"`
	UseMockModel *bool         `yaml:"useMockModel" env:"USE_MOCK_MODEL"`
	MockLatency  time.Duration `yaml:"mockLatency" env:"MOCK_LATENCY"`
}

// StorageConfig selects the retry counter backend.
type StorageConfig struct {
	// RetryStore is one of pebble, redis or memory.
	RetryStore string `yaml:"retryStore" env:"RETRY_STORE"`
	DataDir    string `yaml:"dataDir" env:"DATA_DIR"`
	RedisURL   string `yaml:"redisUrl" env:"REDIS_URL"`
}

// TelemetryConfig covers logging and the ops HTTP listener.
type TelemetryConfig struct {
	OpsAddr   string `yaml:"opsAddr" env:"OPS_ADDR"`
	LogLevel  string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"LOG_FORMAT"`
}

const (
	RetryStorePebble = "pebble"
	RetryStoreRedis  = "redis"
	RetryStoreMemory = "memory"
)

// Default returns built-in defaults for optional settings. Required settings
// are left unset.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			CleanupInterval:   30 * time.Second,
			MaxSilence:        10 * time.Minute,
			DrainPollInterval: 100 * time.Millisecond,
			StatusInterval:    5 * time.Minute,
			DLQPollInterval:   60 * time.Second,
			DLQPeekLimit:      50,
		},
		AI: AIConfig{
			MockLatency: 2 * time.Second,
		},
		Storage: StorageConfig{
			RetryStore: RetryStorePebble,
			DataDir:    DefaultDataDir(),
		},
		Telemetry: TelemetryConfig{
			OpsAddr:   ":9090",
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads configuration from a JSON or YAML file on top of Default(). If
// path is empty, returns defaults. JSON is parsed as YAML, its superset, so
// durations may be written as "30s" in either format.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".yaml", ".yml", "":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q", ext)
	}
	return cfg, nil
}

// Resolve loads path, overlays the environment and validates the result.
func Resolve(path string) (Config, error) {
	cfg, err := LoadEnv(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnv loads path, overlays the environment and fills derived names
// without validating.
func LoadEnv(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDerived()
	return cfg, nil
}

// applyDerived fills names that default from other settings.
func (c *Config) applyDerived() {
	if c.Broker.RoutingKey == "" {
		c.Broker.RoutingKey = c.Broker.Queue
	}
	if c.Broker.DeadLetterQueue == "" && c.Broker.Queue != "" {
		c.Broker.DeadLetterQueue = c.Broker.Queue + ".dlq"
	}
	if c.Broker.DeadLetterExchange == "" && c.Broker.Queue != "" {
		c.Broker.DeadLetterExchange = c.Broker.Queue + ".dlx"
	}
}

// MaxRetries returns the configured retry ceiling; Validate guarantees it is set.
func (c Config) MaxRetries() int {
	if c.Worker.MaxRetries == nil {
		return 0
	}
	return *c.Worker.MaxRetries
}

// UseMockModel reports whether the mock processor is selected.
func (c Config) UseMockModel() bool {
	return c.AI.UseMockModel != nil && *c.AI.UseMockModel
}

// Temperature returns the sampling temperature for the model.
func (c Config) Temperature() float64 {
	if c.AI.Temperature == nil {
		return 0
	}
	return *c.AI.Temperature
}

// Summary returns a loggable view of cfg with credentials masked.
func (c Config) Summary() map[string]interface{} {
	key := ""
	if c.AI.APIKey != "" {
		key = "[REDACTED]"
	}
	return map[string]interface{}{
		"queue":               c.Broker.Queue,
		"exchange":            c.Broker.Exchange,
		"dead_letter_queue":   c.Broker.DeadLetterQueue,
		"concurrency":         c.Worker.Concurrency,
		"renew_interval":      c.Worker.RenewInterval.String(),
		"staleness_threshold": c.Worker.StalenessThreshold.String(),
		"max_silence":         c.Worker.MaxSilence.String(),
		"cleanup_interval":    c.Worker.CleanupInterval.String(),
		"drain_timeout":       c.Worker.DrainTimeout.String(),
		"max_retries":         c.MaxRetries(),
		"retry_store":         c.Storage.RetryStore,
		"ai_model":            c.AI.Model,
		"ai_temperature":      c.Temperature(),
		"ai_mock":             c.UseMockModel(),
		"ai_api_key":          key,
		"ops_addr":            c.Telemetry.OpsAddr,
	}
}
