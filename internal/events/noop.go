package events

import "context"

// NoopPublisher discards events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, topic string, event any) error { return nil }
func (NoopPublisher) Close() error                                                 { return nil }
