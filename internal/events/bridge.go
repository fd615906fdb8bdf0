package events

import (
	"context"
	"time"

	"github.com/shaunagostinho/gatelink/internal/link"
	"github.com/shaunagostinho/gatelink/internal/log"
)

const (
	bridgeQueue    = 256
	publishTimeout = 5 * time.Second
)

type outgoing struct {
	topic string
	env   Envelope
}

// Bridge forwards link events to a Publisher. Handle never blocks the link;
// when the broker falls behind, events are dropped and counted.
type Bridge struct {
	pub     Publisher
	prefix  string
	logger  log.Logger
	queue   chan outgoing
	dropped int
	logs    bool
}

// BridgeOption customises a Bridge.
type BridgeOption func(*Bridge)

// WithLogEvents also forwards LogMessage events.
func WithLogEvents(v bool) BridgeOption {
	return func(b *Bridge) { b.logs = v }
}

// NewBridge returns a bridge publishing under prefix.
func NewBridge(pub Publisher, prefix string, opts ...BridgeOption) *Bridge {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	b := &Bridge{
		pub:    pub,
		prefix: prefix,
		logger: log.WithName("events"),
		queue:  make(chan outgoing, bridgeQueue),
		logs:   true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle is a link.Handler.
func (b *Bridge) Handle(ev link.Event) {
	if ev.Type == link.LogMessage && !b.logs {
		return
	}
	env, err := NewEnvelope(ev)
	if err != nil {
		b.logger.Error(err, "dropping event")
		return
	}
	select {
	case b.queue <- outgoing{topic: Topic(b.prefix, ev.Type), env: env}:
	default:
		b.dropped++
		if b.dropped == 1 || b.dropped%100 == 0 {
			b.logger.Warn("publisher backlog full, dropping events", "dropped", b.dropped)
		}
	}
}

// Run publishes queued events until ctx ends, then flushes what is left.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("event bridge started", "prefix", b.prefix)
	for {
		select {
		case <-ctx.Done():
			b.flush()
			return nil
		case out := <-b.queue:
			b.publish(ctx, out)
		}
	}
}

func (b *Bridge) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case out := <-b.queue:
			b.publish(ctx, out)
		default:
			return
		}
	}
}

func (b *Bridge) publish(ctx context.Context, out outgoing) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.pub.Publish(ctx, out.topic, out.env); err != nil {
		b.logger.Error(err, "publish failed", "topic", out.topic, "id", out.env.ID)
	}
}
