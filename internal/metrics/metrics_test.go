package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.Published()
	m.Published()
	m.Delivered()
	m.Conflated()
	m.Errored()
	m.Activated()
	m.Activated()
	m.Deactivated()

	assert.Equal(t, 2.0, counterValue(t, m.TriggersPublished))
	assert.Equal(t, 1.0, counterValue(t, m.Deliveries))
	assert.Equal(t, 1.0, counterValue(t, m.Conflations))
	assert.Equal(t, 1.0, counterValue(t, m.SubscriptionErrors))
	assert.Equal(t, 1.0, gaugeValue(t, m.SubscriptionsActive))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Published()
		m.Delivered()
		m.Conflated()
		m.Errored()
		m.Activated()
		m.Deactivated()
	})
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()

	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "double registration must fail")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}
