package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"threadkeeper/internal/metrics"
)

func TestCounters(t *testing.T) {
	m := metrics.New()

	m.TurnFinished("ok", time.Second)
	m.TurnFinished("ok", 2*time.Second)
	m.TurnFinished("error", time.Second)
	m.RetryScheduled()
	m.PartsSent(3)
	m.SessionEvicted("capacity")
	m.SessionEvicted("idle")

	families, err := m.Registry().Gather()
	assert.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"threadkeeper_turns_total",
		"threadkeeper_turn_duration_seconds",
		"threadkeeper_turn_retries_total",
		"threadkeeper_reply_parts_total",
		"threadkeeper_session_evictions_total",
	} {
		assert.True(t, found[name], "expected metric %s registered", name)
	}
}

func TestTrackGauges(t *testing.T) {
	m := metrics.New()
	connected := true
	m.TrackGauges(
		func() int { return 7 },
		func() int { return 12 },
		func() bool { return connected },
	)

	families, err := m.Registry().Gather()
	assert.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) == 1 && f.GetMetric()[0].GetGauge() != nil {
			values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 7.0, values["threadkeeper_live_sessions"])
	assert.Equal(t, 12.0, values["threadkeeper_active_conversations"])
	assert.Equal(t, 1.0, values["threadkeeper_store_connected"])
}

func TestPartsSentAccumulates(t *testing.T) {
	m := metrics.New()
	m.PartsSent(2)
	m.PartsSent(5)

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "threadkeeper_reply_parts_total" {
			assert.Equal(t, 7.0, f.GetMetric()[0].GetCounter().GetValue())
			return
		}
	}
	t.Fatal("metric not found")
}
