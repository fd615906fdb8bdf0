package link

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/gatelink/internal/gate"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// ConnectionChanged carries the new Connected flag.
	ConnectionChanged EventType = iota + 1
	// VehicleChanged carries the new Vehicle flag.
	VehicleChanged
	// GateChanged carries the new Gate state.
	GateChanged
	// LogMessage carries Message and Level.
	LogMessage
)

func (t EventType) String() string {
	switch t {
	case ConnectionChanged:
		return "connection"
	case VehicleChanged:
		return "vehicle"
	case GateChanged:
		return "gate"
	case LogMessage:
		return "log"
	}
	return "unknown"
}

// Level is the severity of a LogMessage event.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// Event is a change published to subscribers. Only the fields named by
// Type are meaningful.
type Event struct {
	Type      EventType
	Time      time.Time
	Connected bool
	Vehicle   bool
	Gate      gate.State
	Message   string
	Level     Level
}

// Handler receives events. Handlers run one at a time, in publish order, on
// a goroutine owned by the link; they may call back into the link.
type Handler func(Event)

// notifier delivers events and command continuations outside the loop so
// that listeners can call SendCommand without deadlocking it.
type notifier struct {
	mu       sync.Mutex
	queue    []func()
	handlers map[uint64]Handler
	nextID   uint64
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	onPanic  func(any)
}

func newNotifier(onPanic func(any)) *notifier {
	n := &notifier{
		handlers: make(map[uint64]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		onPanic:  onPanic,
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(h Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = h
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) publish(ev Event) {
	n.enqueue(func() {
		n.mu.Lock()
		hs := make([]Handler, 0, len(n.handlers))
		ids := make([]uint64, 0, len(n.handlers))
		for id := range n.handlers {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			hs = append(hs, n.handlers[id])
		}
		n.mu.Unlock()

		for _, h := range hs {
			n.invoke(func() { h(ev) })
		}
	})
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, fn := range batch {
			n.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

func (n *notifier) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil && n.onPanic != nil {
			n.onPanic(r)
		}
	}()
	fn()
}

// close flushes what is queued and stops delivery. It must not be called
// from a handler.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}

// formatLog renders a message and its key/value pairs as one line for
// LogMessage events.
func formatLog(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			fmt.Fprintf(&b, " %v", kv[i])
			break
		}
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
