package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		frame   string
		kind    Kind
		payload string
	}{
		{"PONG", KindPong, ""},
		{"pong", KindPong, ""},
		{"VEHICLE_DETECTED", KindVehicleDetected, ""},
		{"NO_VEHICLE", KindNoVehicle, ""},
		{"PARKING_CONTROLLER_READY", KindReady, ""},
		{"CONNECTION_LOST", KindConnectionLost, ""},
		{"CONNECTION_RESTORED", KindConnectionRestored, ""},
		{"GATE_STATUS:OPEN", KindGateStatus, "OPEN"},
		{"gate_status: closing ", KindGateStatus, "closing"},
		{"GATE_ERROR:MOTOR_FAULT", KindGateError, "MOTOR_FAULT"},
		{"GATE_ERROR:Sensor blocked", KindGateError, "Sensor blocked"},
		{"STATUS:VEHICLE=DETECTED,GATE=CLOSED", KindStatus, "VEHICLE=DETECTED,GATE=CLOSED"},
		{"HELLO WORLD", KindUnknown, ""},
		{"VEHICLE_DETECTED_TWICE", KindUnknown, ""},
		{"", KindUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			msg := Parse(tt.frame)
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.payload, msg.Payload)
		})
	}
}

func TestParseStatusFields(t *testing.T) {
	msg := Parse("STATUS:VEHICLE=DETECTED, gate = closed ,JUNK,=x,EXTRA=")
	assert.Equal(t, map[string]string{
		"VEHICLE": "DETECTED",
		"GATE":    "closed",
		"EXTRA":   "",
	}, msg.Fields)
}

func TestParseVehicle(t *testing.T) {
	present, ok := ParseVehicle("DETECTED")
	assert.True(t, present)
	assert.True(t, ok)

	present, ok = ParseVehicle("none")
	assert.False(t, present)
	assert.True(t, ok)

	_, ok = ParseVehicle("MAYBE")
	assert.False(t, ok)
}

func TestAnswers(t *testing.T) {
	assert.True(t, Answers(CmdPing, Parse("PONG")))
	assert.True(t, Answers(CmdPing, Parse("STATUS:VEHICLE=NONE,GATE=OPEN")))
	assert.False(t, Answers(CmdPing, Parse("VEHICLE_DETECTED")))

	assert.True(t, Answers(CmdGetStatus, Parse("STATUS:GATE=OPEN")))
	assert.False(t, Answers(CmdGetStatus, Parse("PONG")))

	assert.True(t, Answers(CmdOpenGate, Parse("GATE_STATUS:OPENING")))
	assert.True(t, Answers("close_gate", Parse("GATE_ERROR:JAMMED")))
	assert.False(t, Answers(CmdOpenGate, Parse("NO_VEHICLE")))

	assert.True(t, Answers("SET_LIGHT RED", Parse("anything at all")))
}

func TestKnownAndCarriesState(t *testing.T) {
	assert.True(t, Known("ping"))
	assert.False(t, Known("REBOOT"))
	assert.True(t, CarriesState(CmdGetStatus))
	assert.False(t, CarriesState("REBOOT"))
	assert.Equal(t, "gate_error", KindGateError.String())
}
