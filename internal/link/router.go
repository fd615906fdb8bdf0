package link

import (
	"github.com/shaunagostinho/gatelink/internal/gate"
	"github.com/shaunagostinho/gatelink/internal/protocol"
)

func (l *Link) handleInbound(in inbound) {
	if in.gen != l.gen {
		return
	}
	if in.err != nil {
		l.emitError(l.wdLog, in.err, "serial read failed")
		l.beginReconnect("read failed")
		return
	}
	l.handleFrame(in.frame)
}

// handleFrame feeds one decoded frame through the watchdog, then either
// completes the in-flight command or routes the frame as a notification.
func (l *Link) handleFrame(frame string) {
	msg := protocol.Parse(frame)
	l.metrics.FramesReceived.WithLabelValues(msg.Kind.String()).Inc()
	l.rtLog.Debug("frame received", "frame", msg.Raw, "kind", msg.Kind.String())
	l.dataReceived()

	if l.inflight != nil && protocol.Answers(l.inflight.text, msg) {
		l.resolve(msg)
		return
	}
	l.route(msg)
}

func (l *Link) route(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindPong:
		l.rtLog.Debug("pong")
	case protocol.KindVehicleDetected:
		l.setVehicle(true)
	case protocol.KindNoVehicle:
		l.setVehicle(false)
	case protocol.KindGateStatus:
		st, ok := gate.ParseState(msg.Payload)
		if !ok {
			l.emit(l.rtLog, LevelInfo, "ignoring unknown gate status", "token", msg.Payload)
			return
		}
		l.setGate(st)
	case protocol.KindGateError:
		l.emit(l.rtLog, LevelWarn, "gate error reported", "detail", msg.Payload)
		l.setGate(gate.Error)
	case protocol.KindReady:
		l.emit(l.rtLog, LevelInfo, "controller ready, requesting status")
		l.dispatch(protocol.CmdGetStatus, nil, false)
	case protocol.KindConnectionLost:
		l.emit(l.rtLog, LevelWarn, "controller reported connection lost")
		l.setConnected(false)
	case protocol.KindConnectionRestored:
		l.emit(l.rtLog, LevelInfo, "controller reported connection restored")
		l.setConnected(true)
	case protocol.KindStatus:
		l.applyStatus(msg)
	default:
		l.emit(l.rtLog, LevelInfo, "unrecognised frame dropped", "frame", msg.Raw)
	}
}

// applyStatus applies the VEHICLE and GATE fields of a STATUS frame
// independently; an unrecognised value leaves its field untouched.
func (l *Link) applyStatus(msg protocol.Message) {
	if v, ok := msg.Fields[protocol.FieldVehicle]; ok {
		if present, ok := protocol.ParseVehicle(v); ok {
			l.setVehicle(present)
		} else {
			l.emit(l.rtLog, LevelInfo, "ignoring unknown vehicle value", "value", v)
		}
	}
	if g, ok := msg.Fields[protocol.FieldGate]; ok {
		if st, ok := gate.ParseState(g); ok {
			l.setGate(st)
		} else {
			l.emit(l.rtLog, LevelInfo, "ignoring unknown gate status", "token", g)
		}
	}
}
