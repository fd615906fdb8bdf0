package link

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gatelink/internal/gate"
	"github.com/shaunagostinho/gatelink/internal/metrics"
)

func TestMetricsFollowTraffic(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarness(t, testConfig(), WithMetrics(m))
	require.NoError(t, h.link.Start())
	port := h.factory.current(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))

	require.True(t, h.link.OpenGate())
	port.expectWrite(t, "OPEN_GATE")
	port.send(t, "GATE_STATUS:OPENING")
	port.send(t, "VEHICLE_DETECTED")
	h.eventually(t, func() bool { return h.link.VehiclePresent() }, "vehicle applied")
	h.settle()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("OPEN_GATE", metrics.ResultWritten)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("gate_status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("vehicle_detected")))
	assert.Equal(t, float64(gate.Opening), testutil.ToFloat64(m.GateState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VehiclePresent))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CommandLatency))
}

func TestMetricsCountTimeoutsAndRejections(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarness(t, testConfig(), WithMetrics(m))

	assert.False(t, h.link.Ping())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("PING", metrics.ResultRejected)))

	require.NoError(t, h.link.Start())
	port := h.factory.current(t)
	require.True(t, h.link.RequestStatus())
	port.expectWrite(t, "GET_STATUS")

	h.clock.Step(2 * time.Second)
	h.eventually(t, func() bool {
		return testutil.ToFloat64(m.CommandTimeouts.WithLabelValues("GET_STATUS")) == 1
	}, "timeout counted")
}
