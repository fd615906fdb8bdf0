package link

import (
	"strings"
	"time"

	"github.com/shaunagostinho/gatelink/internal/metrics"
	"github.com/shaunagostinho/gatelink/internal/protocol"
)

const pingCommand = protocol.CmdPing

type pendingCommand struct {
	text       string
	onResponse func(string)
	queuedAt   time.Time
	sentAt     time.Time
}

// SendCommand writes text to the controller. While another command awaits
// its reply the new one waits in a bounded FIFO backlog. onResponse, if
// non-nil, receives the raw reply frame; it is never called when the command
// times out or the link drops. The result reports whether the command was
// written or queued.
func (l *Link) SendCommand(text string, onResponse func(response string)) bool {
	var ok bool
	if !l.call(func() { ok = l.dispatch(text, onResponse, true) }) {
		return false
	}
	return ok
}

// OpenGate asks the controller to open the gate.
func (l *Link) OpenGate() bool { return l.SendCommand(protocol.CmdOpenGate, nil) }

// CloseGate asks the controller to close the gate.
func (l *Link) CloseGate() bool { return l.SendCommand(protocol.CmdCloseGate, nil) }

// RequestStatus asks the controller for a full STATUS report.
func (l *Link) RequestStatus() bool { return l.SendCommand(protocol.CmdGetStatus, nil) }

// Ping probes the controller.
func (l *Link) Ping() bool { return l.SendCommand(protocol.CmdPing, nil) }

func (l *Link) dispatch(text string, onResponse func(string), requireConnected bool) bool {
	text = strings.TrimSpace(text)
	name := commandLabel(text)
	if text == "" || strings.ContainsAny(text, "\r\n") {
		l.emit(l.cmdLog, LevelError, "invalid command rejected", "command", text)
		l.metrics.CommandsSent.WithLabelValues(name, metrics.ResultRejected).Inc()
		return false
	}
	if !l.transport.IsOpen() || (requireConnected && !l.connected) {
		l.emit(l.cmdLog, LevelError, "cannot send command, link is down", "command", text)
		l.metrics.CommandsSent.WithLabelValues(name, metrics.ResultRejected).Inc()
		return false
	}

	cmd := &pendingCommand{text: text, onResponse: onResponse, queuedAt: l.clock.Now()}
	if l.inflight != nil {
		if len(l.backlog) >= l.cfg.MaxQueuedCommands {
			l.emit(l.cmdLog, LevelWarn, "command queue full, rejecting", "command", text, "queued", len(l.backlog))
			l.metrics.CommandsSent.WithLabelValues(name, metrics.ResultRejected).Inc()
			return false
		}
		l.backlog = append(l.backlog, cmd)
		l.metrics.CommandsSent.WithLabelValues(name, metrics.ResultQueued).Inc()
		l.cmdLog.Debug("command queued", "command", text, "behind", l.inflight.text, "queued", len(l.backlog))
		return true
	}
	return l.write(cmd)
}

func (l *Link) write(cmd *pendingCommand) bool {
	name := commandLabel(cmd.text)
	if !protocol.Known(cmd.text) {
		l.cmdLog.Debug("sending raw command", "command", cmd.text)
	}
	if err := l.transport.WriteLine(cmd.text); err != nil {
		l.metrics.CommandsSent.WithLabelValues(name, metrics.ResultFailed).Inc()
		l.emitError(l.cmdLog, err, "command write failed", "command", cmd.text)
		l.beginReconnect("write failed")
		return false
	}
	cmd.sentAt = l.clock.Now()
	l.inflight = cmd
	stopTimer(&l.cmdTimer)
	l.cmdTimer = l.clock.NewTimer(l.cfg.CommandTimeout)
	l.metrics.CommandsSent.WithLabelValues(name, metrics.ResultWritten).Inc()
	l.cmdLog.Debug("command sent", "command", cmd.text)
	return true
}

// resolve completes the in-flight command with msg, applies any state it
// carries and runs the continuation after the resulting events.
func (l *Link) resolve(msg protocol.Message) {
	cmd := l.inflight
	l.inflight = nil
	stopTimer(&l.cmdTimer)

	latency := l.clock.Since(cmd.sentAt)
	l.metrics.CommandLatency.WithLabelValues(commandLabel(cmd.text)).Observe(latency.Seconds())
	l.cmdLog.Debug("command answered", "command", cmd.text, "reply", msg.Raw, "latency", latency)

	if protocol.CarriesState(cmd.text) {
		l.route(msg)
	}
	if cmd.onResponse != nil {
		cb, raw := cmd.onResponse, msg.Raw
		l.notify.enqueue(func() { cb(raw) })
	}
	l.next()
}

func (l *Link) onCommandTimeout() {
	cmd := l.inflight
	if cmd == nil {
		return
	}
	l.inflight = nil
	l.metrics.CommandTimeouts.WithLabelValues(commandLabel(cmd.text)).Inc()
	l.emit(l.cmdLog, LevelWarn, "command timed out", "command", cmd.text, "timeout", l.cfg.CommandTimeout)
	l.next()
}

// next writes queued commands until one is in flight or the queue drains.
func (l *Link) next() {
	for l.inflight == nil && len(l.backlog) > 0 {
		cmd := l.backlog[0]
		l.backlog[0] = nil
		l.backlog = l.backlog[1:]
		l.cmdLog.Debug("dequeued command", "command", cmd.text, "waited", l.clock.Since(cmd.queuedAt))
		if !l.write(cmd) {
			return
		}
	}
}

// dropCommands discards the in-flight command and the backlog without
// calling their continuations.
func (l *Link) dropCommands(reason string) {
	stopTimer(&l.cmdTimer)
	n := len(l.backlog)
	if l.inflight != nil {
		n++
	}
	l.inflight = nil
	l.backlog = nil
	if n > 0 {
		l.emit(l.cmdLog, LevelWarn, "pending commands dropped", "count", n, "reason", reason)
	}
}

// commandLabel keeps metric cardinality bounded for raw commands.
func commandLabel(text string) string {
	if protocol.Known(text) {
		return strings.ToUpper(text)
	}
	return "raw"
}
