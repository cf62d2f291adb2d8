// Package config defines the engine configuration, loaded from a JSON
// file with validation and defaulting.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/c360/metricflow/errors"
)

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL            string `json:"url"`
	ClientName     string `json:"clientName,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// DatabaseConfig holds the SQLite value-store settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// EngineConfig holds calculation-engine invocation settings
type EngineConfig struct {
	Subject     string `json:"subject"`               // request/reply subject for the calculation engine
	MaxAttempts int    `json:"maxAttempts,omitempty"` // invocation retry budget
	BaseDelayMS int    `json:"baseDelayMs,omitempty"` // initial backoff delay
}

// ExecutionConfig holds coordinator settings
type ExecutionConfig struct {
	ChunkSizeBytes      int `json:"chunkSizeBytes,omitempty"`      // target chunk size for the plan
	Concurrency         int `json:"concurrency,omitempty"`         // simultaneous chunk invocations
	ImpactPollSeconds   int `json:"impactPollSeconds,omitempty"`   // wait between impact-loop iterations
	ImpactMaxIterations int `json:"impactMaxIterations,omitempty"` // safety cap on the impact loop
}

// LockConfig holds distributed-lock settings
type LockConfig struct {
	Bucket     string `json:"bucket,omitempty"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"` // expiry bound on crashed holders
}

// ArtifactsConfig holds the artifact object-store settings
type ArtifactsConfig struct {
	Bucket string `json:"bucket,omitempty"`
}

// HTTPConfig holds the API server settings
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
}

// MetricRule declares a metric recomputed after activity executions
// complete
type MetricRule struct {
	Name            string `json:"name"`
	AggregationType string `json:"aggregationType"`
	TimeUnit        string `json:"timeUnit"`
	RootGroup       string `json:"rootGroup,omitempty"`
}

// Config is the complete engine configuration
type Config struct {
	NATS      NATSConfig      `json:"nats"`
	Database  DatabaseConfig  `json:"database"`
	Engine    EngineConfig    `json:"engine"`
	Execution ExecutionConfig `json:"execution"`
	Lock      LockConfig      `json:"lock"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	HTTP      HTTPConfig      `json:"http"`
	Metrics   []MetricRule    `json:"metrics,omitempty"`
}

// Default values applied by ApplyDefaults
const (
	DefaultChunkSizeBytes      = 4 * 1024 * 1024
	DefaultConcurrency         = 10
	DefaultImpactPollSeconds   = 5
	DefaultImpactMaxIterations = 100
	DefaultLockTTLSeconds      = 900
	DefaultEngineMaxAttempts   = 6
	DefaultEngineBaseDelayMS   = 2000
)

// ApplyDefaults fills in zero-valued optional fields
func (c *Config) ApplyDefaults() {
	if c.NATS.ClientName == "" {
		c.NATS.ClientName = "metricflow"
	}
	if c.NATS.TimeoutSeconds <= 0 {
		c.NATS.TimeoutSeconds = 5
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = DefaultEngineMaxAttempts
	}
	if c.Engine.BaseDelayMS <= 0 {
		c.Engine.BaseDelayMS = DefaultEngineBaseDelayMS
	}
	if c.Execution.ChunkSizeBytes <= 0 {
		c.Execution.ChunkSizeBytes = DefaultChunkSizeBytes
	}
	if c.Execution.Concurrency <= 0 {
		c.Execution.Concurrency = DefaultConcurrency
	}
	if c.Execution.ImpactPollSeconds <= 0 {
		c.Execution.ImpactPollSeconds = DefaultImpactPollSeconds
	}
	if c.Execution.ImpactMaxIterations <= 0 {
		c.Execution.ImpactMaxIterations = DefaultImpactMaxIterations
	}
	if c.Lock.Bucket == "" {
		c.Lock.Bucket = "metricflow_locks"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = DefaultLockTTLSeconds
	}
	if c.Artifacts.Bucket == "" {
		c.Artifacts.Bucket = "metricflow_artifacts"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

// Validate checks required fields after defaulting
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url is required")
	}
	if c.Database.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "database.path is required")
	}
	if c.Engine.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "engine.subject is required")
	}
	for i, m := range c.Metrics {
		if m.Name == "" || m.AggregationType == "" || m.TimeUnit == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
				fmt.Sprintf("metrics[%d] requires name, aggregationType and timeUnit", i))
		}
	}
	return nil
}

// ImpactPollInterval returns the impact loop wait as a duration
func (c *Config) ImpactPollInterval() time.Duration {
	return time.Duration(c.Execution.ImpactPollSeconds) * time.Second
}

// LockTTL returns the lock expiry as a duration
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// EngineBaseDelay returns the engine retry base delay as a duration
func (c *Config) EngineBaseDelay() time.Duration {
	return time.Duration(c.Engine.BaseDelayMS) * time.Millisecond
}

// Load reads, defaults, and validates a config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
