// Package link keeps a supervised serial connection to the parking gate
// controller. A single goroutine owns the transport, the watchdog, the
// pending command and the gate state; public methods hand work to it and
// events leave it through an ordered delivery queue.
package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/shaunagostinho/gatelink/internal/gate"
	"github.com/shaunagostinho/gatelink/internal/log"
	"github.com/shaunagostinho/gatelink/internal/metrics"
	"github.com/shaunagostinho/gatelink/internal/serialio"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("link: closed")

// Status is a point-in-time view of the link.
type Status struct {
	Port              string     `json:"port"`
	Connected         bool       `json:"connected"`
	Running           bool       `json:"running"`
	Reconnecting      bool       `json:"reconnecting"`
	Exhausted         bool       `json:"exhausted"`
	Gate              gate.State `json:"gate"`
	Vehicle           bool       `json:"vehicle"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	Pending           string     `json:"pending,omitempty"`
	Queued            int        `json:"queued"`
	LastActivity      time.Time  `json:"lastActivity"`
}

// Option customises a Link.
type Option func(*Link)

// WithOpener replaces the serial device opener.
func WithOpener(o serialio.Opener) Option {
	return func(l *Link) { l.opener = o }
}

// WithClock replaces the clock driving timers and tickers.
func WithClock(c clock.WithTicker) Option {
	return func(l *Link) { l.clock = c }
}

// WithLogger sets the parent logger.
func WithLogger(lg log.Logger) Option {
	return func(l *Link) { l.logger = lg }
}

// WithMetrics sets the collectors fed by the link.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Link) { l.metrics = m }
}

// inbound is a frame or read failure tagged with the generation of the
// handle that produced it.
type inbound struct {
	gen   uint64
	frame string
	err   error
}

// Link is the gate controller connection.
type Link struct {
	cfg     Config
	clock   clock.WithTicker
	opener  serialio.Opener
	logger  log.Logger
	wdLog   log.Logger
	cmdLog  log.Logger
	rtLog   log.Logger
	metrics *metrics.Metrics

	transport *serialio.Transport
	gate      *gate.Machine
	notify    *notifier

	calls     chan func()
	inbound   chan inbound
	quit      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	snapMu sync.RWMutex
	snap   Status

	// Everything below is owned by the loop goroutine.
	gen          uint64
	running      bool
	reconnecting bool
	exhausted    bool
	connected    bool
	attempts     int
	lastActivity time.Time
	inflight     *pendingCommand
	backlog      []*pendingCommand
	cmdTimer     clock.Timer
	retryTimer   clock.Timer
	pingTicker   clock.Ticker
	checkTicker  clock.Ticker
}

// New builds a link for cfg. Zero timings take their defaults. The port is
// not opened until Start.
func New(cfg Config, opts ...Option) *Link {
	l := &Link{
		cfg:     cfg.withDefaults(),
		clock:   clock.RealClock{},
		logger:  log.Std(),
		calls:   make(chan func()),
		inbound: make(chan inbound),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		gate:    gate.NewMachine(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.New(nil)
	}

	l.logger = l.logger.WithName("link").WithValues("port", l.cfg.Port)
	l.wdLog = l.logger.WithName("watchdog")
	l.cmdLog = l.logger.WithName("dispatcher")
	l.rtLog = l.logger.WithName("router")

	l.transport = serialio.NewTransport(l.cfg.Port, l.cfg.BaudRate, l.opener)
	l.notify = newNotifier(func(r any) {
		l.logger.Error(nil, "event handler panicked", "panic", r)
	})
	l.lastActivity = l.clock.Now()
	l.publishSnapshot()

	go l.run()
	return l
}

// Config returns the effective configuration.
func (l *Link) Config() Config { return l.cfg }

// Subscribe registers h for all future events and returns a function that
// removes it.
func (l *Link) Subscribe(h Handler) func() {
	return l.notify.subscribe(h)
}

// Status returns the latest snapshot.
func (l *Link) Status() Status {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap
}

// IsConnected reports whether the link is currently up.
func (l *Link) IsConnected() bool { return l.Status().Connected }

// GateState returns the last known gate state.
func (l *Link) GateState() gate.State { return l.Status().Gate }

// VehiclePresent reports the last known vehicle presence.
func (l *Link) VehiclePresent() bool { return l.Status().Vehicle }

// Close stops the watchdog, releases the port and stops event delivery
// after flushing queued events. It must not be called from a Handler.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.call(func() { l.stopWatchdog("link closed") })
		close(l.quit)
		<-l.exited
		l.notify.close()
		l.logger.Info("link closed")
	})
	return nil
}

// call runs fn on the loop goroutine and waits for it and the snapshot it
// produces. It reports false once the loop has exited.
func (l *Link) call(fn func()) bool {
	done := make(chan struct{})
	select {
	case l.calls <- func() { fn(); l.publishSnapshot(); close(done) }:
	case <-l.exited:
		return false
	case <-l.quit:
		return false
	}
	<-done
	return true
}

func (l *Link) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.calls:
			fn()
		case in := <-l.inbound:
			l.handleInbound(in)
		case <-tickerC(l.pingTicker):
			l.onPingTick()
		case <-tickerC(l.checkTicker):
			l.onCheckTick()
		case <-timerC(l.cmdTimer):
			l.cmdTimer = nil
			l.onCommandTimeout()
		case <-timerC(l.retryTimer):
			l.retryTimer = nil
			l.onRetryTimer()
		}
		l.publishSnapshot()
	}
}

func (l *Link) publishSnapshot() {
	s := Status{
		Port:              l.cfg.Port,
		Connected:         l.connected,
		Running:           l.running,
		Reconnecting:      l.reconnecting,
		Exhausted:         l.exhausted,
		Gate:              l.gate.State(),
		Vehicle:           l.gate.Vehicle(),
		ReconnectAttempts: l.attempts,
		Queued:            len(l.backlog),
		LastActivity:      l.lastActivity,
	}
	if l.inflight != nil {
		s.Pending = l.inflight.text
	}
	l.snapMu.Lock()
	l.snap = s
	l.snapMu.Unlock()
}

// openTransport opens the handle and starts a reader for it.
func (l *Link) openTransport() error {
	if err := l.transport.Open(); err != nil {
		return err
	}
	l.gen++
	l.lastActivity = l.clock.Now()
	l.startReader(l.gen)
	l.emit(l.logger, LevelInfo, "serial port opened", "baud", l.cfg.BaudRate)
	l.setConnected(true)
	return nil
}

func (l *Link) closeTransport() {
	if !l.transport.IsOpen() {
		return
	}
	if err := l.transport.Close(); err != nil {
		l.logger.Warn("closing serial port failed", "error", err)
	}
	l.gen++
}

func (l *Link) startReader(gen uint64) {
	run := l.transport.Reader()
	if run == nil {
		return
	}
	go run(
		func(frame string) { l.deliver(inbound{gen: gen, frame: frame}) },
		func(err error) { l.deliver(inbound{gen: gen, err: err}) },
	)
}

func (l *Link) deliver(in inbound) {
	select {
	case l.inbound <- in:
	case <-l.quit:
	}
}

func (l *Link) setConnected(v bool) {
	if l.connected == v {
		return
	}
	l.connected = v
	l.metrics.Connected.Set(metrics.BoolGauge(v))
	if v {
		l.emit(l.logger, LevelInfo, "link connected")
	} else {
		l.emit(l.logger, LevelWarn, "link disconnected")
	}
	l.publish(Event{Type: ConnectionChanged, Connected: v})
}

func (l *Link) setVehicle(present bool) {
	if !l.gate.SetVehicle(present) {
		return
	}
	l.metrics.VehiclePresent.Set(metrics.BoolGauge(present))
	if present {
		l.emit(l.rtLog, LevelInfo, "vehicle detected")
	} else {
		l.emit(l.rtLog, LevelInfo, "vehicle cleared")
	}
	l.publish(Event{Type: VehicleChanged, Vehicle: present})
}

func (l *Link) setGate(s gate.State) {
	changed, err := l.gate.Apply(context.Background(), s)
	if err != nil {
		l.emitError(l.rtLog, err, "gate transition rejected", "state", s)
		return
	}
	if !changed {
		return
	}
	l.metrics.GateState.Set(float64(s))
	l.emit(l.rtLog, LevelInfo, "gate state changed", "state", s)
	l.publish(Event{Type: GateChanged, Gate: s})
}

func (l *Link) publish(ev Event) {
	ev.Time = l.clock.Now()
	l.notify.publish(ev)
}

// emit logs through lg and, above debug, republishes the line as a
// LogMessage event.
func (l *Link) emit(lg log.Logger, level Level, msg string, kv ...any) {
	switch level {
	case LevelDebug:
		lg.Debug(msg, kv...)
		return
	case LevelInfo:
		lg.Info(msg, kv...)
	case LevelWarn:
		lg.Warn(msg, kv...)
	default:
		lg.Error(nil, msg, kv...)
	}
	l.publish(Event{Type: LogMessage, Level: level, Message: formatLog(msg, kv)})
}

func (l *Link) emitError(lg log.Logger, err error, msg string, kv ...any) {
	lg.Error(err, msg, kv...)
	if err != nil {
		kv = append(kv, "error", err)
	}
	l.publish(Event{Type: LogMessage, Level: LevelError, Message: formatLog(msg, kv)})
}

func tickerC(t clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func stopTicker(t *clock.Ticker) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
