package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultConcurrency, cfg.Execution.Concurrency)
	assert.Equal(t, DefaultChunkSizeBytes, cfg.Execution.ChunkSizeBytes)
	assert.Equal(t, DefaultImpactPollSeconds, cfg.Execution.ImpactPollSeconds)
	assert.Equal(t, DefaultImpactMaxIterations, cfg.Execution.ImpactMaxIterations)
	assert.Equal(t, "metricflow_locks", cfg.Lock.Bucket)
	assert.Equal(t, 15*time.Minute, cfg.LockTTL())
	assert.Equal(t, 2*time.Second, cfg.EngineBaseDelay())
	assert.Equal(t, 5*time.Second, cfg.ImpactPollInterval())
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Execution: ExecutionConfig{Concurrency: 3, ImpactMaxIterations: 7},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.Execution.Concurrency)
	assert.Equal(t, 7, cfg.Execution.ImpactMaxIterations)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())

	cfg.NATS.URL = "nats://localhost:4222"
	assert.Error(t, cfg.Validate())

	cfg.Database.Path = "/tmp/metricflow.db"
	assert.Error(t, cfg.Validate())

	cfg.Engine.Subject = "calc.engine.process"
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"nats": {"url": "nats://localhost:4222"},
		"database": {"path": "/tmp/metricflow.db"},
		"engine": {"subject": "calc.engine.process"},
		"execution": {"concurrency": 4}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Execution.Concurrency)
	assert.Equal(t, DefaultImpactMaxIterations, cfg.Execution.ImpactMaxIterations)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}
