// Package journal records link events to CSV files with automatic rotation.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/gatelink/internal/gate"
	"github.com/shaunagostinho/gatelink/internal/link"
	"github.com/shaunagostinho/gatelink/internal/log"
)

// DefaultMaxRows is the rotation threshold.
const DefaultMaxRows = 100_000

var csvHeader = []string{
	"timestamp", "type", "connected", "vehicle", "gate", "level", "message",
}

// Config holds journal configuration.
type Config struct {
	Enabled bool
	Path    string
	MaxRows int
}

// Journal writes one row per event. Every row carries the connection, vehicle
// and gate state as known after that event.
type Journal struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	logger  log.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int

	connected bool
	vehicle   bool
	gate      gate.State
}

// New creates a journal. No file is opened until the first event.
func New(cfg Config) *Journal {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gatelink"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Journal{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		logger:  log.WithName("journal"),
	}
}

// SetEnabled toggles recording at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on {
		j.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Handle is a link.Handler.
func (j *Journal) Handle(ev link.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch ev.Type {
	case link.ConnectionChanged:
		j.connected = ev.Connected
	case link.VehicleChanged:
		j.vehicle = ev.Vehicle
	case link.GateChanged:
		j.gate = ev.Gate
	}
	if !j.enabled {
		return
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	if j.writer == nil || j.rows >= j.maxRows {
		if err := j.rotateFile(ts); err != nil {
			j.logger.Error(err, "rotate failed")
			return
		}
	}

	if err := j.writer.Write(j.buildRow(ts, ev)); err != nil {
		j.logger.Error(err, "write failed")
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	j.seq++
	filename := fmt.Sprintf("gatelink_%s_%03d.csv", now.Format("2006-01-02_150405"), j.seq)
	path := filepath.Join(j.dir, filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	j.logger.Info("journal opened", "path", path)
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

func (j *Journal) buildRow(ts time.Time, ev link.Event) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.UTC().Format(time.RFC3339Nano)
	row[1] = ev.Type.String()
	row[2] = boolStr(j.connected)
	row[3] = boolStr(j.vehicle)
	row[4] = j.gate.String()
	if ev.Type == link.LogMessage {
		row[5] = ev.Level.String()
		row[6] = ev.Message
	}
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
