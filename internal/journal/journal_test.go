package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gatelink/internal/gate"
	"github.com/shaunagostinho/gatelink/internal/link"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func journalFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "gatelink_*.csv"))
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func TestRecordsEventsWithState(t *testing.T) {
	dir := t.TempDir()
	j := New(Config{Enabled: true, Path: dir})
	defer j.Close()

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	j.Handle(link.Event{Type: link.ConnectionChanged, Connected: true, Time: at})
	j.Handle(link.Event{Type: link.VehicleChanged, Vehicle: true, Time: at.Add(time.Second)})
	j.Handle(link.Event{Type: link.GateChanged, Gate: gate.Opening, Time: at.Add(2 * time.Second)})
	j.Handle(link.Event{Type: link.LogMessage, Level: link.LevelWarn, Message: "gate error reported, detail=MOTOR_FAULT", Time: at.Add(3 * time.Second)})

	files := journalFiles(t, dir)
	require.Len(t, files, 1)
	rows := readRows(t, files[0])
	require.Len(t, rows, 5)

	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2024-05-01T08:00:00Z", "connection", "1", "0", "UNKNOWN", "", ""}, rows[1])
	assert.Equal(t, []string{"2024-05-01T08:00:02Z", "gate", "1", "1", "OPENING", "", ""}, rows[3])
	assert.Equal(t, "warn", rows[4][5])
	assert.Equal(t, "gate error reported, detail=MOTOR_FAULT", rows[4][6])
}

func TestRotatesAfterMaxRows(t *testing.T) {
	dir := t.TempDir()
	j := New(Config{Enabled: true, Path: dir, MaxRows: 2})
	defer j.Close()

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		j.Handle(link.Event{Type: link.VehicleChanged, Vehicle: i%2 == 0, Time: at})
	}

	files := journalFiles(t, dir)
	require.Len(t, files, 3)
	assert.Len(t, readRows(t, files[0]), 3)
	assert.Len(t, readRows(t, files[2]), 2)
}

func TestDisabledJournalTracksStateOnly(t *testing.T) {
	dir := t.TempDir()
	j := New(Config{Path: dir})
	defer j.Close()

	j.Handle(link.Event{Type: link.GateChanged, Gate: gate.Closed})
	assert.Empty(t, journalFiles(t, dir))
	assert.False(t, j.IsEnabled())

	j.SetEnabled(true)
	j.Handle(link.Event{Type: link.VehicleChanged, Vehicle: true})
	files := journalFiles(t, dir)
	require.Len(t, files, 1)
	rows := readRows(t, files[0])
	assert.Equal(t, "CLOSED", rows[1][4])

	j.SetEnabled(false)
	j.Handle(link.Event{Type: link.VehicleChanged, Vehicle: false})
	assert.Len(t, readRows(t, files[0]), 2)
}
