package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingTickProbesController(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = time.Second
	h, port := started(t, cfg)

	h.clock.Step(time.Second)
	port.expectWrite(t, "PING")

	// Unanswered ping still occupies the slot; the next tick is skipped.
	h.clock.Step(time.Second)
	port.expectNoWrite(t, 50*time.Millisecond)

	port.send(t, "PONG")
	h.eventually(t, func() bool { return h.link.Status().Pending == "" }, "pong resolves ping")
	h.clock.Step(time.Second)
	port.expectWrite(t, "PING")
}

func TestPingSkippedWhileCommandQueued(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = time.Second
	h, port := started(t, cfg)

	require.True(t, h.link.OpenGate())
	port.expectWrite(t, "OPEN_GATE")
	require.True(t, h.link.RequestStatus())

	h.clock.Step(time.Second)
	port.expectNoWrite(t, 50*time.Millisecond)
	assert.Equal(t, "OPEN_GATE", h.link.Status().Pending)
}

func TestTrafficKeepsLinkAlive(t *testing.T) {
	h, port := started(t, testConfig())

	for i := 0; i < 8; i++ {
		port.send(t, "PONG")
		h.eventually(t, func() bool {
			return !h.link.Status().LastActivity.Before(h.clock.Now())
		}, "activity recorded")
		h.clock.Step(time.Second)
	}
	h.settle()
	assert.True(t, h.link.IsConnected())
	assert.Equal(t, 1, h.factory.openCount())
}

func TestInactivityExhaustsReconnects(t *testing.T) {
	cfg := testConfig()
	h, _ := started(t, cfg)
	h.factory.setFailing(true)

	h.eventually(t, func() bool {
		h.clock.Step(time.Second)
		return h.link.Status().Exhausted
	}, "watchdog gives up")

	st := h.link.Status()
	assert.False(t, st.Running)
	assert.False(t, st.Connected)
	assert.False(t, st.Reconnecting)
	assert.Equal(t, cfg.MaxReconnectAttempts, st.ReconnectAttempts)
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, h.factory.openCount())

	for i := 0; i < 20; i++ {
		h.clock.Step(time.Second)
	}
	h.settle()
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, h.factory.openCount(), "no opens after exhaustion")

	h.eventually(t, func() bool { return h.events.hasLog(LevelError, "exhausted") }, "exhaustion logged")
	conns := h.events.ofType(ConnectionChanged)
	require.NotEmpty(t, conns)
	assert.False(t, conns[len(conns)-1].Connected)
}

func TestReconnectAfterBrokenHandle(t *testing.T) {
	h, port := started(t, testConfig())

	require.NoError(t, port.Close())
	h.eventually(t, func() bool { return !h.link.IsConnected() }, "read failure detected")

	h.eventually(t, func() bool {
		if h.link.IsConnected() {
			return true
		}
		h.clock.Step(time.Second)
		return false
	}, "reconnected")

	st := h.link.Status()
	assert.Equal(t, 2, h.factory.openCount())
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.False(t, st.Reconnecting)

	fresh := h.factory.current(t)
	got := make(chan string, 1)
	require.True(t, h.link.SendCommand("PING", func(r string) { got <- r }))
	fresh.expectWrite(t, "PING")
	fresh.send(t, "PONG")
	assert.Equal(t, "PONG", receive(t, got))
}

func TestReconnectDropsPendingCommands(t *testing.T) {
	h, port := started(t, testConfig())

	called := make(chan string, 2)
	require.True(t, h.link.OpenGate())
	port.expectWrite(t, "OPEN_GATE")
	require.True(t, h.link.SendCommand("GET_STATUS", func(r string) { called <- r }))

	require.NoError(t, port.Close())
	h.eventually(t, func() bool {
		st := h.link.Status()
		return st.Pending == "" && st.Queued == 0 && st.Reconnecting
	}, "pending cleared")
	assert.Empty(t, called)
}

func TestStartRetriesFailedOpen(t *testing.T) {
	h := newHarness(t, testConfig())
	h.factory.setFailing(true)

	require.ErrorIs(t, h.link.Start(), errUnavailable)
	st := h.link.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Reconnecting)
	assert.Equal(t, 1, st.ReconnectAttempts)

	h.factory.setFailing(false)
	h.eventually(t, func() bool {
		if h.link.IsConnected() {
			return true
		}
		h.clock.Step(time.Second)
		return false
	}, "connected on retry")
}

func TestStopAndRestart(t *testing.T) {
	h, port := started(t, testConfig())

	h.link.Stop()
	st := h.link.Status()
	assert.False(t, st.Running)
	assert.False(t, st.Connected)
	assert.False(t, h.link.Ping())
	_, err := port.Write([]byte("x"))
	assert.Error(t, err, "port closed on stop")

	require.NoError(t, h.link.Start())
	assert.True(t, h.link.IsConnected())
	assert.Equal(t, 2, h.factory.openCount())
}

func TestRestartAfterExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	h, _ := started(t, cfg)
	h.factory.setFailing(true)

	h.eventually(t, func() bool {
		h.clock.Step(time.Second)
		return h.link.Status().Exhausted
	}, "exhausted")

	h.factory.setFailing(false)
	require.NoError(t, h.link.Start())
	st := h.link.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Exhausted)
	assert.Equal(t, 0, st.ReconnectAttempts)
}

func TestNoCallbacksAfterTeardown(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(*Link)
	}{
		{name: "stop", teardown: func(l *Link) { l.Stop() }},
		{name: "close", teardown: func(l *Link) { _ = l.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PingInterval = time.Second
			h, port := started(t, cfg)

			answered := make(chan string, 1)
			require.True(t, h.link.SendCommand("GET_STATUS", func(r string) { answered <- r }))
			port.expectWrite(t, "GET_STATUS")

			tt.teardown(h.link)
			opens := h.factory.openCount()

			for i := 0; i < 5; i++ {
				h.clock.Step(cfg.CommandTimeout + cfg.ReconnectDelay)
				h.settle()
			}
			port.expectNoWrite(t, 50*time.Millisecond)

			// Close flushes anything still queued for delivery.
			require.NoError(t, h.link.Close())
			assert.False(t, h.events.hasLog(LevelWarn, "command timed out"))
			assert.False(t, h.events.hasLog(LevelInfo, "reconnecting"))
			assert.Equal(t, opens, h.factory.openCount())
			assert.Empty(t, answered)
		})
	}
}
