package config

import (
	"fmt"
	"strings"
	"time"
)

// ConfigurationError lists every missing or invalid setting found at startup.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required settings: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid settings: "+strings.Join(e.Invalid, "; "))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

func (e *ConfigurationError) empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0
}

// ValidateBroker checks only the settings needed to reach the queues.
func (c Config) ValidateBroker() error {
	ce := &ConfigurationError{}
	if c.Broker.URL == "" {
		ce.Missing = append(ce.Missing, "RABBITMQ_URL")
	}
	if c.Broker.Queue == "" {
		ce.Missing = append(ce.Missing, "QUEUE_NAME")
	}
	if ce.empty() {
		return nil
	}
	return ce
}

// Validate checks required settings and cross-field constraints.
func (c Config) Validate() error {
	ce := &ConfigurationError{}
	missing := func(name string) { ce.Missing = append(ce.Missing, name) }
	invalid := func(format string, args ...interface{}) {
		ce.Invalid = append(ce.Invalid, fmt.Sprintf(format, args...))
	}

	if c.Broker.URL == "" {
		missing("RABBITMQ_URL")
	}
	if c.Broker.Queue == "" {
		missing("QUEUE_NAME")
	}
	if c.Worker.Concurrency == 0 {
		missing("WORKER_CONCURRENCY")
	} else if c.Worker.Concurrency < 0 {
		invalid("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RenewInterval == 0 {
		missing("HEARTBEAT_RENEW_INTERVAL")
	}
	if c.Worker.StalenessThreshold == 0 {
		missing("STALENESS_THRESHOLD")
	}
	if c.Worker.DrainTimeout == 0 {
		missing("DRAIN_TIMEOUT")
	}
	if c.Worker.MaxRetries == nil {
		missing("MAX_RETRIES")
	} else if *c.Worker.MaxRetries < 0 {
		invalid("MAX_RETRIES must not be negative, got %d", *c.Worker.MaxRetries)
	}
	if c.AI.UseMockModel == nil {
		missing("USE_MOCK_MODEL")
	} else if !*c.AI.UseMockModel {
		if c.AI.APIKey == "" {
			missing("GOOGLE_AI_API_KEY")
		}
		if c.AI.Model == "" {
			missing("GOOGLE_AI_MODEL")
		}
		if c.AI.Temperature == nil {
			missing("AI_TEMPERATURE")
		} else if t := *c.AI.Temperature; t < 0 || t > 2 {
			invalid("AI_TEMPERATURE must be within [0, 2], got %g", t)
		}
	}

	if c.Worker.RenewInterval > 0 && c.Worker.StalenessThreshold > 0 &&
		c.Worker.StalenessThreshold < 3*c.Worker.RenewInterval {
		invalid("STALENESS_THRESHOLD (%s) must be at least 3x HEARTBEAT_RENEW_INTERVAL (%s)",
			c.Worker.StalenessThreshold, c.Worker.RenewInterval)
	}
	if c.Worker.RenewInterval > 0 && c.Worker.MaxSilence > 0 && c.Worker.MaxSilence < c.Worker.RenewInterval {
		invalid("HEARTBEAT_MAX_SILENCE (%s) must not be shorter than HEARTBEAT_RENEW_INTERVAL (%s)",
			c.Worker.MaxSilence, c.Worker.RenewInterval)
	}
	for _, p := range []struct {
		name string
		d    time.Duration
	}{
		{"HEARTBEAT_RENEW_INTERVAL", c.Worker.RenewInterval},
		{"STALENESS_THRESHOLD", c.Worker.StalenessThreshold},
		{"DRAIN_TIMEOUT", c.Worker.DrainTimeout},
		{"CLEANUP_INTERVAL", c.Worker.CleanupInterval},
		{"DLQ_POLL_INTERVAL", c.Worker.DLQPollInterval},
		{"HEARTBEAT_INTERVAL", c.Worker.StatusInterval},
		{"DRAIN_POLL_INTERVAL", c.Worker.DrainPollInterval},
		{"HEARTBEAT_MAX_SILENCE", c.Worker.MaxSilence},
	} {
		if p.d < 0 || (p.d == 0 && !isRequiredDuration(p.name)) {
			invalid("%s must be positive", p.name)
		}
	}
	if c.Worker.DLQPeekLimit <= 0 {
		invalid("DLQ_PEEK_LIMIT must be positive, got %d", c.Worker.DLQPeekLimit)
	}
	switch c.Storage.RetryStore {
	case RetryStorePebble:
		if c.Storage.DataDir == "" {
			missing("DATA_DIR")
		}
	case RetryStoreRedis:
		if c.Storage.RedisURL == "" {
			missing("REDIS_URL")
		}
	case RetryStoreMemory:
	default:
		invalid("RETRY_STORE must be one of pebble, redis, memory, got %q", c.Storage.RetryStore)
	}

	if ce.empty() {
		return nil
	}
	return ce
}

// isRequiredDuration reports whether a zero value is already reported as missing.
func isRequiredDuration(name string) bool {
	switch name {
	case "HEARTBEAT_RENEW_INTERVAL", "STALENESS_THRESHOLD", "DRAIN_TIMEOUT":
		return true
	}
	return false
}
