package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the rotation threshold (20MB).
	DefaultMaxLogSize = 20 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDir        = "archive"
)

// AuditLogger appends every published event to a JSONL file, rotating into
// an archive directory when the file grows past maxSize. It is the durable
// trail behind the lossy in-memory bus.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
}

// NewAuditLogger creates an audit logger writing to logPath.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// Attach subscribes the logger to every event type on the bus and returns
// the unsubscribe function.
func (l *AuditLogger) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(ev Event) {
		_ = l.Write(ev)
	})
}

// Write appends one event to the log.
func (l *AuditLogger) Write(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate event log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// Close syncs and closes the underlying file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat event log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := filepath.Base(l.logPath)
	stamp := time.Now().UTC().Format("20060102_150405")
	archiveName := fmt.Sprintf("%s.%s%s", base[:len(base)-len(logFileExtension)], stamp, logFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(dir, archiveName)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}

	return l.openLogFile()
}
