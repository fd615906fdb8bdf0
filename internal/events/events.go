// Package events forwards link events to a message broker as JSON
// envelopes.
package events

import (
	"context"
	"fmt"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"

	"github.com/shaunagostinho/gatelink/internal/link"
)

// Backends selectable in the configuration.
const (
	BackendNone = "none"
	BackendNATS = "nats"
	BackendMQTT = "mqtt"
)

// DefaultTopicPrefix is prepended to every topic.
const DefaultTopicPrefix = "parking.gate"

// Publisher sends an event to a topic. Topics are dot separated; publishers
// for brokers with another separator translate them.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Envelope is the wire form of a link event.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	Connected *bool     `json:"connected,omitempty"`
	Vehicle   *bool     `json:"vehicle,omitempty"`
	Gate      string    `json:"gate,omitempty"`
	Message   string    `json:"message,omitempty"`
	Level     string    `json:"level,omitempty"`
}

// idAlphabet is URL safe.
const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewID returns a short unique event id.
func NewID() (string, error) {
	id, err := nanoid.Generate(idAlphabet, 12)
	if err != nil {
		return "", fmt.Errorf("events: generate id: %w", err)
	}
	return "evt-" + id, nil
}

// NewEnvelope wraps ev with a fresh id.
func NewEnvelope(ev link.Event) (Envelope, error) {
	id, err := NewID()
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{ID: id, Type: ev.Type.String(), Time: ev.Time.UTC()}
	switch ev.Type {
	case link.ConnectionChanged:
		env.Connected = &ev.Connected
	case link.VehicleChanged:
		env.Vehicle = &ev.Vehicle
	case link.GateChanged:
		env.Gate = ev.Gate.String()
	case link.LogMessage:
		env.Message = ev.Message
		env.Level = ev.Level.String()
	}
	return env, nil
}

// Topic returns the topic for an event type under prefix.
func Topic(prefix string, t link.EventType) string {
	return prefix + "." + t.String()
}
