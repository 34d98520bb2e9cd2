package events

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventLog_AppendAndRead(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")

	l, err := NewEventLog(logPath, "job_test", 0)
	require.NoError(t, err)

	require.NoError(t, l.Append(EventAgentStarted, map[string]interface{}{
		"item_id":  "item_1",
		"agent_id": "agt_1771722000_a3f2b7c1",
	}))
	require.NoError(t, l.Append(EventItemDeadLettered, map[string]interface{}{
		"item_id": "item_2",
		"reason":  "step failed",
	}))
	require.NoError(t, l.Close())

	entries, err := ReadEntries(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, string(EventAgentStarted), entries[0].EventType)
	require.Equal(t, "job_test", entries[0].JobID)
	require.Equal(t, "item_1", entries[0].ItemID)
	require.Equal(t, "agt_1771722000_a3f2b7c1", entries[0].AgentID)
	require.Equal(t, string(EventItemDeadLettered), entries[1].EventType)
	require.Equal(t, "item_2", entries[1].ItemID)

	// Every entry carries its own generated ID for cross-referencing.
	idFormat := regexp.MustCompile(`^evt_[0-9]{10}_[0-9a-f]{8}$`)
	require.Regexp(t, idFormat, entries[0].EventID)
	require.Regexp(t, idFormat, entries[1].EventID)
	require.NotEqual(t, entries[0].EventID, entries[1].EventID)
}

func TestEventLog_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.jsonl")

	// Tiny cap to force a rotation on the second append.
	l, err := NewEventLog(logPath, "job_test", 150)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(EventPhaseStarted, map[string]interface{}{"phase": "map"}))
	require.NoError(t, l.Append(EventPhaseCompleted, map[string]interface{}{"phase": "map"}))

	archived, err := filepath.Glob(filepath.Join(dir, archiveDir, "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, archived, 1)
}

func TestEventLog_Attach(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")

	l, err := NewEventLog(logPath, "job_test", 0)
	require.NoError(t, err)

	bus := NewBus(10)
	detach := l.Attach(bus)

	bus.Publish(EventCheckpointSaved, map[string]interface{}{"version": 3})
	time.Sleep(50 * time.Millisecond)

	detach()
	bus.Close()
	require.NoError(t, l.Close())

	entries, err := ReadEntries(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, string(EventCheckpointSaved), entries[0].EventType)
}

func TestReadEntries_SkipsMalformedLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")

	l, err := NewEventLog(logPath, "job_test", 0)
	require.NoError(t, err)
	require.NoError(t, l.Append(EventJobCompleted, nil))
	require.NoError(t, l.Close())

	f, err := filepath.Glob(logPath)
	require.NoError(t, err)
	require.Len(t, f, 1)

	// Corrupt the tail the way a crash mid-write would.
	appendRaw(t, logPath, "{not json\n")

	entries, err := ReadEntries(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	l, err := NewEventLog(path, "x", 0)
	require.NoError(t, err)
	_, err = l.file.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
