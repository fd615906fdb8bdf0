package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gatelink/internal/gate"
)

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for response")
	}
	return ""
}

func TestPingPong(t *testing.T) {
	h, port := started(t, testConfig())

	got := make(chan string, 4)
	require.True(t, h.link.SendCommand("PING", func(r string) { got <- r }))
	port.expectWrite(t, "PING")
	port.send(t, "PONG")

	assert.Equal(t, "PONG", receive(t, got))
	h.eventually(t, func() bool { return h.link.Status().Pending == "" }, "slot cleared")
	assert.True(t, h.link.IsConnected())

	port.send(t, "PONG")
	h.settle()
	assert.Empty(t, got, "continuation runs once")
}

func TestRawCommandTakesNextFrame(t *testing.T) {
	h, port := started(t, testConfig())

	got := make(chan string, 1)
	require.True(t, h.link.SendCommand("  VERSION ", func(r string) { got <- r }))
	port.expectWrite(t, "VERSION")
	port.send(t, "FW 1.2.0")

	assert.Equal(t, "FW 1.2.0", receive(t, got))
	h.eventually(t, func() bool { return h.link.Status().Pending == "" }, "slot cleared")
}

func TestCommandsRejectedWhileDown(t *testing.T) {
	h := newHarness(t, testConfig())

	assert.False(t, h.link.SendCommand("PING", nil))
	assert.False(t, h.link.OpenGate())
	assert.Equal(t, 0, h.factory.openCount())
	h.eventually(t, func() bool { return h.events.hasLog(LevelError, "link is down") }, "rejection logged")
}

func TestInvalidCommandRejected(t *testing.T) {
	h, port := started(t, testConfig())

	assert.False(t, h.link.SendCommand("   ", nil))
	assert.False(t, h.link.SendCommand("OPEN_GATE\nCLOSE_GATE", nil))
	port.expectNoWrite(t, 50*time.Millisecond)
}

func TestCommandTimeoutFreesSlot(t *testing.T) {
	h, port := started(t, testConfig())

	late := make(chan string, 1)
	require.True(t, h.link.SendCommand("GET_STATUS", func(r string) { late <- r }))
	port.expectWrite(t, "GET_STATUS")

	h.clock.Step(2 * time.Second)
	h.eventually(t, func() bool { return h.link.Status().Pending == "" }, "timed out")
	h.eventually(t, func() bool { return h.events.hasLog(LevelWarn, "command timed out") }, "timeout logged")

	// The late reply is a plain notification now.
	port.send(t, "STATUS:VEHICLE=NONE,GATE=CLOSED")
	h.eventually(t, func() bool { return h.link.GateState() == gate.Closed }, "late status applied")

	got := make(chan string, 1)
	require.True(t, h.link.SendCommand("PING", func(r string) { got <- r }))
	port.expectWrite(t, "PING")
	port.send(t, "PONG")
	assert.Equal(t, "PONG", receive(t, got))
	assert.Empty(t, late)
}

func TestCommandsQueueBehindInFlight(t *testing.T) {
	h, port := started(t, testConfig())

	opened := make(chan string, 1)
	status := make(chan string, 1)
	require.True(t, h.link.SendCommand("OPEN_GATE", func(r string) { opened <- r }))
	port.expectWrite(t, "OPEN_GATE")
	require.True(t, h.link.SendCommand("GET_STATUS", func(r string) { status <- r }))
	port.expectNoWrite(t, 50*time.Millisecond)

	st := h.link.Status()
	assert.Equal(t, "OPEN_GATE", st.Pending)
	assert.Equal(t, 1, st.Queued)

	// Not an answer to OPEN_GATE, so it is routed and the slot stays busy.
	port.send(t, "VEHICLE_DETECTED")
	h.eventually(t, func() bool { return h.link.VehiclePresent() }, "vehicle routed")
	assert.Equal(t, "OPEN_GATE", h.link.Status().Pending)

	port.send(t, "GATE_STATUS:OPENING")
	assert.Equal(t, "GATE_STATUS:OPENING", receive(t, opened))
	h.eventually(t, func() bool { return h.link.GateState() == gate.Opening }, "reply applied")
	port.expectWrite(t, "GET_STATUS")

	port.send(t, "STATUS:VEHICLE=DETECTED,GATE=OPENING")
	assert.Equal(t, "STATUS:VEHICLE=DETECTED,GATE=OPENING", receive(t, status))
	h.eventually(t, func() bool {
		st := h.link.Status()
		return st.Pending == "" && st.Queued == 0
	}, "queue drained")
	assert.Equal(t, 1, h.events.count(GateChanged))
}

func TestQueueIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueuedCommands = 2
	h, port := started(t, cfg)

	require.True(t, h.link.OpenGate())
	port.expectWrite(t, "OPEN_GATE")
	assert.True(t, h.link.RequestStatus())
	assert.True(t, h.link.CloseGate())
	assert.False(t, h.link.Ping())
	assert.Equal(t, 2, h.link.Status().Queued)
	h.eventually(t, func() bool { return h.events.hasLog(LevelWarn, "queue full") }, "overflow logged")
}

func TestTimeoutAdvancesQueue(t *testing.T) {
	h, port := started(t, testConfig())

	require.True(t, h.link.OpenGate())
	port.expectWrite(t, "OPEN_GATE")
	require.True(t, h.link.CloseGate())

	h.clock.Step(2 * time.Second)
	port.expectWrite(t, "CLOSE_GATE")
	h.eventually(t, func() bool { return h.link.Status().Pending == "CLOSE_GATE" }, "next command in flight")
}
