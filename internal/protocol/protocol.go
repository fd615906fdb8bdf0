// Package protocol defines the line protocol spoken by the parking gate
// controller and classifies inbound frames.
//
// Commands (host to controller):
//
//	GET_STATUS   -> STATUS:VEHICLE=<DETECTED|NONE>,GATE=<token>
//	PING         -> PONG
//	OPEN_GATE    -> GATE_STATUS:OPENING | GATE_ERROR:<detail>
//	CLOSE_GATE   -> GATE_STATUS:CLOSING | GATE_ERROR:<detail>
//
// Unsolicited notifications: VEHICLE_DETECTED, NO_VEHICLE,
// GATE_STATUS:<token>, GATE_ERROR:<detail>, PARKING_CONTROLLER_READY,
// CONNECTION_LOST, CONNECTION_RESTORED.
package protocol

import (
	"strings"
)

// Commands.
const (
	CmdGetStatus = "GET_STATUS"
	CmdPing      = "PING"
	CmdOpenGate  = "OPEN_GATE"
	CmdCloseGate = "CLOSE_GATE"
)

// Inbound keywords and prefixes.
const (
	Pong               = "PONG"
	VehicleDetected    = "VEHICLE_DETECTED"
	NoVehicle          = "NO_VEHICLE"
	ControllerReady    = "PARKING_CONTROLLER_READY"
	ConnectionLost     = "CONNECTION_LOST"
	ConnectionRestored = "CONNECTION_RESTORED"

	GateStatusPrefix = "GATE_STATUS:"
	GateErrorPrefix  = "GATE_ERROR:"
	StatusPrefix     = "STATUS:"

	FieldVehicle = "VEHICLE"
	FieldGate    = "GATE"
)

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindPong
	KindVehicleDetected
	KindNoVehicle
	KindGateStatus
	KindGateError
	KindReady
	KindConnectionLost
	KindConnectionRestored
	KindStatus
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindPong:               "pong",
	KindVehicleDetected:    "vehicle_detected",
	KindNoVehicle:          "no_vehicle",
	KindGateStatus:         "gate_status",
	KindGateError:          "gate_error",
	KindReady:              "ready",
	KindConnectionLost:     "connection_lost",
	KindConnectionRestored: "connection_restored",
	KindStatus:             "status",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Message is one classified frame.
type Message struct {
	Kind Kind
	// Raw is the frame as received.
	Raw string
	// Payload is the text after the prefix for GATE_STATUS, GATE_ERROR and
	// STATUS frames, with its original case preserved.
	Payload string
	// Fields holds the parsed KEY=VALUE pairs of a STATUS frame, keys
	// upper-cased.
	Fields map[string]string
}

// Parse classifies a frame. Keywords are matched case-insensitively.
// Parse never fails; anything unrecognised is KindUnknown.
func Parse(frame string) Message {
	frame = strings.TrimSpace(frame)
	upper := strings.ToUpper(frame)
	msg := Message{Raw: frame}

	switch {
	case upper == Pong:
		msg.Kind = KindPong
	case upper == VehicleDetected:
		msg.Kind = KindVehicleDetected
	case upper == NoVehicle:
		msg.Kind = KindNoVehicle
	case upper == ControllerReady:
		msg.Kind = KindReady
	case upper == ConnectionLost:
		msg.Kind = KindConnectionLost
	case upper == ConnectionRestored:
		msg.Kind = KindConnectionRestored
	case strings.HasPrefix(upper, GateStatusPrefix):
		msg.Kind = KindGateStatus
		msg.Payload = strings.TrimSpace(frame[len(GateStatusPrefix):])
	case strings.HasPrefix(upper, GateErrorPrefix):
		msg.Kind = KindGateError
		msg.Payload = strings.TrimSpace(frame[len(GateErrorPrefix):])
	case strings.HasPrefix(upper, StatusPrefix):
		msg.Kind = KindStatus
		msg.Payload = strings.TrimSpace(frame[len(StatusPrefix):])
		msg.Fields = ParseFields(msg.Payload)
	}
	return msg
}

// ParseFields parses a comma-separated KEY=VALUE list. Keys are upper-cased,
// keys and values trimmed; entries without '=' or with an empty key are
// skipped.
func ParseFields(payload string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(payload, ",") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(val)
	}
	return fields
}

// ParseVehicle maps a VEHICLE= value to a presence flag. ok is false for
// values that carry no presence information.
func ParseVehicle(value string) (present, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DETECTED", "PRESENT", "TRUE", "YES", "1":
		return true, true
	case "NONE", "NO_VEHICLE", "CLEAR", "FALSE", "NO", "0":
		return false, true
	}
	return false, false
}

// Known reports whether command is part of the controller vocabulary.
func Known(command string) bool {
	switch normalize(command) {
	case CmdGetStatus, CmdPing, CmdOpenGate, CmdCloseGate:
		return true
	}
	return false
}

// Answers reports whether msg is an acceptable reply to command. Commands
// outside the vocabulary accept any frame.
func Answers(command string, msg Message) bool {
	switch normalize(command) {
	case CmdPing:
		return msg.Kind == KindPong || msg.Kind == KindStatus
	case CmdGetStatus:
		return msg.Kind == KindStatus
	case CmdOpenGate, CmdCloseGate:
		return msg.Kind == KindGateStatus || msg.Kind == KindGateError
	}
	return true
}

// CarriesState reports whether replies to command are evidence of gate or
// vehicle state and must be applied after the command resolves.
func CarriesState(command string) bool {
	switch normalize(command) {
	case CmdGetStatus, CmdPing, CmdOpenGate, CmdCloseGate:
		return true
	}
	return false
}

func normalize(command string) string {
	return strings.ToUpper(strings.TrimSpace(command))
}
