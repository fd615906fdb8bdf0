// Package simulator is a software parking gate controller. It speaks the
// controller's line protocol over an in-memory serial handle so the link and
// the dashboard can run without hardware.
package simulator

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/shaunagostinho/gatelink/internal/gate"
	"github.com/shaunagostinho/gatelink/internal/log"
	"github.com/shaunagostinho/gatelink/internal/protocol"
	"github.com/shaunagostinho/gatelink/internal/serialio"
)

// ErrUnplugged is returned by Open while the device is unplugged.
var ErrUnplugged = errors.New("simulator: device unplugged")

// FaultMotor is the detail reported when the gate motor is jammed.
const FaultMotor = "MOTOR_FAULT"

// Config tunes the simulated controller.
type Config struct {
	// TravelTime is how long the barrier takes to open or close.
	TravelTime time.Duration
	// VehicleInterval drives random traffic. Zero disables it.
	VehicleInterval time.Duration
	// Seed seeds the traffic generator; zero uses the current time.
	Seed int64
}

// DefaultConfig returns a controller with a three second barrier and a car
// every few seconds.
func DefaultConfig() Config {
	return Config{
		TravelTime:      3 * time.Second,
		VehicleInterval: 4 * time.Second,
	}
}

// Controller is the simulated device. Its state survives reopening the port.
type Controller struct {
	cfg    Config
	clock  clock.WithTicker
	logger log.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	gate      gate.State
	vehicle   bool
	jammed    bool
	silent    bool
	unplugged bool
	opens     int
	current   *port
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the clock driving barrier travel and traffic.
func WithClock(c clock.WithTicker) Option {
	return func(s *Controller) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Controller) { s.logger = l }
}

// New returns a controller with the barrier closed and no vehicle.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.TravelTime <= 0 {
		cfg.TravelTime = DefaultConfig().TravelTime
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := &Controller{
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: log.Std(),
		rng:    rand.New(rand.NewSource(seed)),
		gate:   gate.Closed,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithName("simulator")
	return c
}

// Open plugs a new handle into the controller. It has the signature of
// serialio.Opener. Opening closes any previous handle, as a real device
// only serves one host.
func (c *Controller) Open(path string, baud int) (serialio.Port, error) {
	c.mu.Lock()
	if c.unplugged {
		c.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", path, ErrUnplugged)
	}
	c.opens++
	prev := c.current
	p := newPort(c)
	c.current = p
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	c.logger.Info("host connected", "path", path, "baud", baud)
	go p.run()
	return p, nil
}

// Opens returns how many handles have been opened.
func (c *Controller) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// SetSilent makes the controller stop answering and notifying, as a hung
// firmware would.
func (c *Controller) SetSilent(v bool) {
	c.mu.Lock()
	c.silent = v
	c.mu.Unlock()
}

// SetJammed makes gate commands fail with a motor fault.
func (c *Controller) SetJammed(v bool) {
	c.mu.Lock()
	c.jammed = v
	c.mu.Unlock()
}

// Unplug breaks the current handle and refuses new opens until Plug.
func (c *Controller) Unplug() {
	c.mu.Lock()
	c.unplugged = true
	p := c.current
	c.current = nil
	c.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// Plug allows opens again.
func (c *Controller) Plug() {
	c.mu.Lock()
	c.unplugged = false
	c.mu.Unlock()
}

// SetVehicle places or removes a vehicle and notifies the host.
func (c *Controller) SetVehicle(present bool) {
	c.mu.Lock()
	changed := c.vehicle != present
	c.vehicle = present
	p := c.current
	c.mu.Unlock()
	if changed && p != nil {
		p.emit(vehicleFrame(present))
	}
}

// Gate returns the simulated barrier position.
func (c *Controller) Gate() gate.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate
}

// Vehicle reports whether a vehicle is at the barrier.
func (c *Controller) Vehicle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vehicle
}

func (c *Controller) statusFrame() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := "NONE"
	if c.vehicle {
		v = "DETECTED"
	}
	return fmt.Sprintf("%s%s=%s,%s=%s", protocol.StatusPrefix, protocol.FieldVehicle, v, protocol.FieldGate, c.gate)
}

func vehicleFrame(present bool) string {
	if present {
		return protocol.VehicleDetected
	}
	return protocol.NoVehicle
}

// move starts barrier travel toward target. It returns the reply frame and
// whether travel began.
func (c *Controller) move(target gate.State) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jammed {
		c.gate = gate.Error
		return protocol.GateErrorPrefix + FaultMotor, false
	}
	switch {
	case target == gate.Open && (c.gate == gate.Open || c.gate == gate.Opening):
		return protocol.GateStatusPrefix + c.gate.String(), false
	case target == gate.Closed && (c.gate == gate.Closed || c.gate == gate.Closing):
		return protocol.GateStatusPrefix + c.gate.String(), false
	}
	if target == gate.Open {
		c.gate = gate.Opening
	} else {
		c.gate = gate.Closing
	}
	return protocol.GateStatusPrefix + c.gate.String(), true
}

// settle ends barrier travel and returns the notification for it.
func (c *Controller) settle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.gate {
	case gate.Opening:
		c.gate = gate.Open
	case gate.Closing:
		c.gate = gate.Closed
	}
	return protocol.GateStatusPrefix + c.gate.String()
}

// traffic advances the random traffic pattern by one step: a car arrives at
// a closed barrier, leaves through an open one and the barrier closes
// behind it.
func (c *Controller) traffic() (frames []string, closeGate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.vehicle && c.gate == gate.Closed && c.rng.Float64() < 0.5:
		c.vehicle = true
		return []string{protocol.VehicleDetected}, false
	case c.vehicle && c.gate == gate.Open:
		c.vehicle = false
		return []string{protocol.NoVehicle}, true
	}
	return nil, false
}

func (c *Controller) isSilent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.silent
}

// port is one host connection.
type port struct {
	c    *Controller
	out  chan string
	in   chan string
	done chan struct{}
	once sync.Once

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
	framer  serialio.Framer
}

func newPort(c *Controller) *port {
	return &port{
		c:    c,
		out:  make(chan string, 64),
		in:   make(chan string, 16),
		done: make(chan struct{}),
	}
}

func (p *port) Read(b []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	if len(p.pending) == 0 {
		select {
		case line := <-p.out:
			p.pending = []byte(line + "\r\n")
		case <-p.done:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, line := range p.framer.Push(b) {
		select {
		case p.in <- line:
		case <-p.done:
			return 0, io.ErrClosedPipe
		}
	}
	return len(b), nil
}

func (p *port) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// emit queues a frame for the host, dropping it when the controller is
// silent or the host has stopped reading.
func (p *port) emit(line string) {
	if p.c.isSilent() {
		return
	}
	select {
	case p.out <- line:
	case <-p.done:
	default:
		p.c.logger.Warn("host not reading, frame dropped", "frame", line)
	}
}

func (p *port) run() {
	var travel clock.Timer
	var traffic clock.Ticker
	if p.c.cfg.VehicleInterval > 0 {
		traffic = p.c.clock.NewTicker(p.c.cfg.VehicleInterval)
		defer traffic.Stop()
	}
	defer func() {
		if travel != nil {
			travel.Stop()
		}
	}()

	p.emit(protocol.ControllerReady)
	for {
		select {
		case <-p.done:
			return
		case cmd := <-p.in:
			if p.handle(cmd) {
				if travel != nil {
					travel.Stop()
				}
				travel = p.c.clock.NewTimer(p.c.cfg.TravelTime)
			}
		case <-timerC(travel):
			travel = nil
			p.emit(p.c.settle())
		case <-tickerC(traffic):
			frames, closeGate := p.c.traffic()
			for _, f := range frames {
				p.emit(f)
			}
			if closeGate {
				if reply, moving := p.c.move(gate.Closed); moving {
					p.emit(reply)
					travel = p.c.clock.NewTimer(p.c.cfg.TravelTime)
				}
			}
		}
	}
}

// handle answers one command and reports whether barrier travel started.
func (p *port) handle(cmd string) bool {
	if p.c.isSilent() {
		return false
	}
	p.c.logger.Debug("command received", "command", cmd)
	switch strings.ToUpper(cmd) {
	case protocol.CmdPing:
		p.emit(protocol.Pong)
	case protocol.CmdGetStatus:
		p.emit(p.c.statusFrame())
	case protocol.CmdOpenGate:
		reply, moving := p.c.move(gate.Open)
		p.emit(reply)
		return moving
	case protocol.CmdCloseGate:
		reply, moving := p.c.move(gate.Closed)
		p.emit(reply)
		return moving
	default:
		p.emit("ERROR:UNKNOWN_COMMAND " + cmd)
	}
	return false
}

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func tickerC(t clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}
