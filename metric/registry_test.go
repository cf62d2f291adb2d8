package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCounter(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "executions_started_total",
		Help: "Total executions started",
	})

	require.NoError(t, r.RegisterCounter("coordinator", "executions_started_total", counter))

	// Duplicate registration is rejected
	err := r.RegisterCounter("coordinator", "executions_started_total", counter)
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunks_in_flight",
		Help: "Chunks currently being calculated",
	})
	require.NoError(t, r.RegisterGauge("coordinator", "chunks_in_flight", gauge))

	assert.True(t, r.Unregister("coordinator", "chunks_in_flight"))
	assert.False(t, r.Unregister("coordinator", "chunks_in_flight"))

	// Re-registration after unregister succeeds
	assert.NoError(t, r.RegisterGauge("coordinator", "chunks_in_flight", gauge))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewMetricsRegistry()
	assert.NotNil(t, r.Handler())
}
