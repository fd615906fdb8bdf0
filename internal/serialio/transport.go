package serialio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned when writing to a transport with no open handle.
var ErrClosed = errors.New("serialio: transport closed")

// LineTerminator is appended to every outgoing line.
const LineTerminator = "\n"

// Transport is the framed connection to the controller. Open, WriteLine and
// Close are safe to call from different goroutines; ReadLoop runs on its own.
type Transport struct {
	path   string
	baud   int
	opener Opener

	mu     sync.Mutex
	port   Port
	closed chan struct{}
}

// NewTransport returns a closed transport for the given device.
func NewTransport(path string, baud int, opener Opener) *Transport {
	if opener == nil {
		opener = OpenSerial
	}
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &Transport{path: path, baud: baud, opener: opener}
}

// Path returns the device path.
func (t *Transport) Path() string { return t.path }

// Baud returns the configured baud rate.
func (t *Transport) Baud() int { return t.baud }

// Open opens the device. Opening an already open transport is a no-op.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	port, err := t.opener(t.path, t.baud)
	if err != nil {
		return err
	}
	t.port = port
	t.closed = make(chan struct{})
	return nil
}

// IsOpen reports whether a handle is held.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// WriteLine writes text followed by the line terminator.
func (t *Transport) WriteLine(text string) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return ErrClosed
	}
	if _, err := port.Write([]byte(text + LineTerminator)); err != nil {
		return fmt.Errorf("serialio: write %q to %s: %w", text, t.path, err)
	}
	return nil
}

// Close releases the handle. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	port := t.port
	t.port = nil
	if t.closed != nil {
		close(t.closed)
		t.closed = nil
	}
	t.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

// ReadLoop reads from the current handle until it is closed or fails,
// passing every complete frame to onFrame in arrival order. A read error on
// a handle that was not closed through Close is passed to onError; a
// deliberate Close ends the loop silently. ReadLoop returns immediately if
// the transport is not open.
func (t *Transport) ReadLoop(onFrame func(string), onError func(error)) {
	if run := t.Reader(); run != nil {
		run(onFrame, onError)
	}
}

// Reader binds a read loop to the handle open at the time of the call, so a
// loop started later on another goroutine never reads a newer handle. It
// returns nil if the transport is not open.
func (t *Transport) Reader() func(onFrame func(string), onError func(error)) {
	t.mu.Lock()
	port, closed := t.port, t.closed
	t.mu.Unlock()
	if port == nil {
		return nil
	}
	return func(onFrame func(string), onError func(error)) {
		t.readLoop(port, closed, onFrame, onError)
	}
}

func (t *Transport) readLoop(port Port, closed <-chan struct{}, onFrame func(string), onError func(error)) {
	var framer Framer
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, frame := range framer.Push(buf[:n]) {
				onFrame(frame)
			}
		}
		if err != nil {
			select {
			case <-closed:
			default:
				onError(fmt.Errorf("serialio: read from %s: %w", t.path, err))
			}
			return
		}
		select {
		case <-closed:
			return
		default:
		}
	}
}
