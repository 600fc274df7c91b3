// Package logger provides the engine's leveled file logger. One log file is
// written per day under the logs directory; every entry carries a timestamp
// and level tag so the files double as the audit trail for signal decisions
// and stop triggers.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level tags a log entry.
type Level string

const (
	LevelInfo   Level = "INFO"
	LevelWarn   Level = "WARN"
	LevelError  Level = "ERROR"
	LevelTrade  Level = "TRADE"
	LevelAudit  Level = "AUDIT"
	LevelStatus Level = "STATUS"
)

// Logger writes leveled, timestamped entries to a single destination.
type Logger struct {
	mu      sync.Mutex
	out     *log.Logger
	logFile *os.File
}

// New creates a file logger writing to logs/<name>_<date>.log, creating the
// directory if needed.
func New(name string) (*Logger, error) {
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02"))
	logPath := filepath.Join(logDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Logger{
		out:     log.New(file, "", 0),
		logFile: file,
	}
	l.writeSessionHeader(name)
	return l, nil
}

// NewWithWriter creates a logger writing to an arbitrary writer. Tests use
// it with io.Discard.
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{out: log.New(w, "", 0)}
}

func (l *Logger) writeSessionHeader(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("================================================================================")
	l.out.Printf("ENGINE SESSION STARTED: %s at %s", name, time.Now().Format("2006-01-02 15:04:05"))
	l.out.Printf("================================================================================")
}

// Log writes one formatted entry at the given level.
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("[%s] [%s] %s", time.Now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LevelInfo, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.Log(LevelWarn, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LevelError, format, args...)
}

// Trade logs an order or fill event.
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LevelTrade, format, args...)
}

// Audit logs a decision that must survive for compliance review: gate
// rejections, stop triggers, reconciliation drift, breaker trips.
func (l *Logger) Audit(format string, args ...interface{}) {
	l.Log(LevelAudit, format, args...)
}

// Status logs periodic engine state summaries.
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LevelStatus, format, args...)
}

// Close flushes and closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}
