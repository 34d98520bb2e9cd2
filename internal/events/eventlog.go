package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/model"
)

const (
	// DefaultMaxLogSize caps one event log segment (50MB).
	DefaultMaxLogSize = 50 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDir        = "archive"
)

// LogEntry is one line of the per-job JSONL event log. The log is the
// operator-facing audit trail of a job: every lifecycle transition, merge
// and DLQ push appends here.
type LogEntry struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	JobID     string                 `json:"job_id,omitempty"`
	ItemID    string                 `json:"item_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EventLog provides append-only JSONL logging with size-based rotation.
type EventLog struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	jobID       string
}

// NewEventLog creates or reopens the event log at logPath.
func NewEventLog(logPath, jobID string, maxSize int64) (*EventLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &EventLog{
		logPath: logPath,
		jobID:   jobID,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *EventLog) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Append writes one event. Item and agent IDs are lifted from details when
// present so the log stays grep-able by column.
func (l *EventLog) Append(eventType EventType, details map[string]interface{}) error {
	eventID, err := model.GenerateID(model.IDTypeEvent)
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	entry := LogEntry{
		EventID:   eventID,
		Timestamp: time.Now().UTC(),
		EventType: string(eventType),
		JobID:     l.jobID,
		Details:   details,
	}
	if itemID, ok := details["item_id"].(string); ok {
		entry.ItemID = itemID
	}
	if agentID, ok := details["agent_id"].(string); ok {
		entry.AgentID = agentID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// Attach subscribes the log to every event type on the bus so that all
// published events become durable. Returns a detach function.
func (l *EventLog) Attach(bus *Bus) func() {
	types := []EventType{
		EventAgentStarted, EventAgentCompleted, EventAgentMerged,
		EventItemDeadLettered, EventMergeStarted, EventMergeCompleted,
		EventPhaseStarted, EventPhaseCompleted, EventCheckpointSaved,
		EventJobCompleted,
	}
	unsubs := make([]func(), 0, len(types))
	for _, et := range types {
		et := et
		unsubs = append(unsubs, bus.Subscribe(et, func(e Event) {
			_ = l.Append(et, e.Data)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (l *EventLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102T150405Z")
	base := filepath.Base(l.logPath)
	name := fmt.Sprintf("%s.%s%s", base[:len(base)-len(logFileExtension)], timestamp, logFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}

	return l.openLogFile()
}

// Close flushes and closes the log.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// ReadEntries reads every entry of a log file, skipping malformed lines.
func ReadEntries(logPath string) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return entries, nil
}
