package serialio

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePort is an in-memory Port: the test writes into in, the transport
// writes into out.
type pipePort struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	mu   sync.Mutex
	out  []string
	shut bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{inR: r, inW: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.inR.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return 0, io.ErrClosedPipe
	}
	p.out = append(p.out, string(b))
	return len(b), nil
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.shut = true
	p.mu.Unlock()
	return p.inR.Close()
}

func (p *pipePort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.out...)
}

func TestTransportWriteLine(t *testing.T) {
	port := newPipePort()
	tr := NewTransport("/dev/null", 0, func(path string, baud int) (Port, error) {
		assert.Equal(t, DefaultBaudRate, baud)
		return port, nil
	})

	require.ErrorIs(t, tr.WriteLine("PING"), ErrClosed)

	require.NoError(t, tr.Open())
	require.True(t, tr.IsOpen())
	require.NoError(t, tr.Open(), "second open is a no-op")

	require.NoError(t, tr.WriteLine("OPEN_GATE"))
	assert.Equal(t, []string{"OPEN_GATE\n"}, port.written())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")
	assert.False(t, tr.IsOpen())
	assert.ErrorIs(t, tr.WriteLine("PING"), ErrClosed)
}

func TestTransportOpenError(t *testing.T) {
	boom := errors.New("no such device")
	tr := NewTransport("/dev/ttyNope", 9600, func(string, int) (Port, error) { return nil, boom })
	assert.ErrorIs(t, tr.Open(), boom)
	assert.False(t, tr.IsOpen())
}

func TestTransportReadLoop(t *testing.T) {
	port := newPipePort()
	tr := NewTransport("/dev/null", 9600, func(string, int) (Port, error) { return port, nil })
	require.NoError(t, tr.Open())

	frames := make(chan string, 8)
	errs := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.ReadLoop(func(f string) { frames <- f }, func(err error) { errs <- err })
	}()

	go func() {
		port.inW.Write([]byte("VEHICLE_"))
		port.inW.Write([]byte("DETECTED\r\nGATE_STATUS:OPEN\n"))
	}()

	assert.Equal(t, "VEHICLE_DETECTED", <-frames)
	assert.Equal(t, "GATE_STATUS:OPEN", <-frames)

	require.NoError(t, tr.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after close")
	}
	assert.Empty(t, errs, "deliberate close must not report an error")
}

func TestTransportReadLoopReportsBrokenHandle(t *testing.T) {
	port := newPipePort()
	tr := NewTransport("/dev/null", 9600, func(string, int) (Port, error) { return port, nil })
	require.NoError(t, tr.Open())

	errs := make(chan error, 1)
	go tr.ReadLoop(func(string) {}, func(err error) { errs <- err })

	port.inW.CloseWithError(errors.New("usb unplugged"))

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "usb unplugged")
	case <-time.After(2 * time.Second):
		t.Fatal("expected read error")
	}
}
