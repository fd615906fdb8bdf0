// Package gate tracks the barrier arm's position and motion together with
// the vehicle presence flag reported by the controller.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/looplab/fsm"
)

// State is the gate position or motion.
type State int

const (
	Unknown State = iota
	Opening
	Open
	Closing
	Closed
	Error
)

var stateNames = [...]string{
	Unknown: "UNKNOWN",
	Opening: "OPENING",
	Open:    "OPEN",
	Closing: "CLOSING",
	Closed:  "CLOSED",
	Error:   "ERROR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return stateNames[Unknown]
	}
	return stateNames[s]
}

// MarshalText encodes the state as its upper-case name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts any state name, case-insensitively.
func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("gate: unknown state %q", text)
}

// ParseState maps a GATE_STATUS / GATE= token to a state. Only the four
// motion tokens are accepted; ERROR is reached through GATE_ERROR frames
// and UNKNOWN is never reported by the controller.
func ParseState(token string) (State, bool) {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "OPENING":
		return Opening, true
	case "OPEN":
		return Open, true
	case "CLOSING":
		return Closing, true
	case "CLOSED":
		return Closed, true
	}
	return Unknown, false
}

// ErrInvalidState is returned when asked to move to a state the controller
// cannot report.
var ErrInvalidState = errors.New("gate: invalid target state")

// Machine holds the gate state and vehicle presence. Any concrete state can
// follow any other; applying the current state again is not a change.
type Machine struct {
	fsm *fsm.FSM

	mu      sync.Mutex
	vehicle bool
}

// NewMachine returns a machine in the Unknown state with no vehicle.
func NewMachine() *Machine {
	all := make([]string, 0, len(stateNames))
	for _, n := range stateNames {
		all = append(all, n)
	}

	var events fsm.Events
	for _, s := range []State{Opening, Open, Closing, Closed, Error} {
		events = append(events, fsm.EventDesc{Name: eventName(s), Src: all, Dst: s.String()})
	}

	return &Machine{
		fsm: fsm.NewFSM(Unknown.String(), events, fsm.Callbacks{}),
	}
}

func eventName(s State) string {
	return "to_" + strings.ToLower(s.String())
}

// State returns the current gate state.
func (m *Machine) State() State {
	var s State
	if err := s.UnmarshalText([]byte(m.fsm.Current())); err != nil {
		return Unknown
	}
	return s
}

// Apply moves the gate to s and reports whether the state changed.
func (m *Machine) Apply(ctx context.Context, s State) (bool, error) {
	if s <= Unknown || s > Error {
		return false, ErrInvalidState
	}
	err := m.fsm.Event(ctx, eventName(s))
	if err == nil {
		return true, nil
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return false, nil
	}
	return false, fmt.Errorf("gate: transition to %s: %w", s, err)
}

// Vehicle reports whether a vehicle is present.
func (m *Machine) Vehicle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vehicle
}

// SetVehicle records vehicle presence and reports whether it changed.
func (m *Machine) SetVehicle(present bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vehicle == present {
		return false
	}
	m.vehicle = present
	return true
}
