package link

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/shaunagostinho/gatelink/internal/serialio"
)

const waitFor = 2 * time.Second

var errUnavailable = errors.New("device unavailable")

// fakePort is an in-memory serial handle.
type fakePort struct {
	in      chan []byte
	written chan string
	done    chan struct{}
	once    sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{
		in:      make(chan []byte),
		written: make(chan string, 64),
		done:    make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.in:
		return copy(b, data), nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	p.written <- strings.TrimRight(string(b), "\n")
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// send feeds one line to the reader.
func (p *fakePort) send(t *testing.T, line string) {
	t.Helper()
	select {
	case p.in <- []byte(line + "\n"):
	case <-p.done:
		t.Fatalf("port closed before %q was read", line)
	case <-time.After(waitFor):
		t.Fatalf("nobody read %q", line)
	}
}

// expectWrite waits for the next line written by the link.
func (p *fakePort) expectWrite(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-p.written:
		require.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %q to be written", want)
	}
}

func (p *fakePort) expectNoWrite(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-p.written:
		t.Fatalf("unexpected write %q", got)
	case <-time.After(within):
	}
}

// portFactory hands out fake ports and counts open attempts.
type portFactory struct {
	mu      sync.Mutex
	ports   []*fakePort
	opens   int
	failing bool
}

func (f *portFactory) open(path string, baud int) (serialio.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.failing {
		return nil, errUnavailable
	}
	p := newFakePort()
	f.ports = append(f.ports, p)
	return p, nil
}

func (f *portFactory) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *portFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *portFactory) current(t *testing.T) *fakePort {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.ports, "no port opened")
	return f.ports[len(f.ports)-1]
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(typ EventType) int { return len(r.ofType(typ)) }

func (r *recorder) hasLog(level Level, substr string) bool {
	for _, ev := range r.ofType(LogMessage) {
		if ev.Level == level && strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	link    *Link
	clock   *testingclock.FakeClock
	factory *portFactory
	events  *recorder
}

// testConfig keeps background pings out of the way unless a test asks for
// them.
func testConfig() Config {
	return Config{
		Port:                 "/dev/ttyTest",
		BaudRate:             9600,
		PingInterval:         time.Hour,
		InactivityTimeout:    5 * time.Second,
		CheckInterval:        time.Second,
		CommandTimeout:       2 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 3,
		MaxQueuedCommands:    4,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:   testingclock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)),
		factory: &portFactory{},
		events:  &recorder{},
	}
	opts = append([]Option{WithOpener(h.factory.open), WithClock(h.clock)}, opts...)
	h.link = New(cfg, opts...)
	h.link.Subscribe(h.events.handle)
	t.Cleanup(func() { _ = h.link.Close() })
	return h
}

// started returns a harness whose link is running on an open port.
func started(t *testing.T, cfg Config) (*harness, *fakePort) {
	t.Helper()
	h := newHarness(t, cfg)
	require.NoError(t, h.link.Start())
	return h, h.factory.current(t)
}

// settle waits for the loop to finish its current iteration.
func (h *harness) settle() { h.link.call(func() {}) }

func (h *harness) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 5*time.Millisecond, msg)
}
