// Package audit provides the append-only logfmt event log written for every run.
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// EventsFileName is the per-run event log file name.
	EventsFileName = "events.log"
	// auditLogFileMode defines the permissions for the event log file.
	auditLogFileMode = 0o644
	// auditLogDirMode defines the permissions for the event log directory.
	auditLogDirMode = 0o755
)

// Sink receives run and task events.
type Sink interface {
	Emit(entry Entry)
}

// Logger appends events to a run's events.log and mirrors them to a console logger.
type Logger struct {
	path     string
	runID    string
	warnings io.Writer
	console  *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// Field represents a logfmt key/value pair.
type Field struct {
	Key   string
	Value string
}

// Entry captures one event and its optional fields.
type Entry struct {
	TaskID  string
	Event   string
	Attempt int
	Fields  []Field
}

// Options configures a Logger.
type Options struct {
	Warnings io.Writer
	Console  *zap.Logger
}

// RunLogDir returns <logsDir>/<project>/run-<runID>.
func RunLogDir(logsDir string, project string, runID string) string {
	return filepath.Join(logsDir, project, "run-"+runID)
}

// NewLogger builds an event logger writing to <runLogDir>/events.log.
func NewLogger(runLogDir string, runID string, options Options) (*Logger, error) {
	if strings.TrimSpace(runLogDir) == "" {
		return nil, errors.New("run log directory is required")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}
	warnings := options.Warnings
	if warnings == nil {
		warnings = os.Stderr
	}
	console := options.Console
	if console == nil {
		console = zap.NewNop()
	}
	return &Logger{
		path:     filepath.Join(runLogDir, EventsFileName),
		runID:    runID,
		warnings: warnings,
		console:  console,
		now:      time.Now,
	}, nil
}

// Path returns the events.log location.
func (logger *Logger) Path() string {
	return logger.path
}

// F builds a field, formatting the value with %v.
func F(key string, value any) Field {
	switch typed := value.(type) {
	case string:
		return Field{Key: key, Value: typed}
	case int:
		return Field{Key: key, Value: strconv.Itoa(typed)}
	case bool:
		return Field{Key: key, Value: strconv.FormatBool(typed)}
	case []string:
		return Field{Key: key, Value: strings.Join(typed, ",")}
	case error:
		if typed == nil {
			return Field{Key: key}
		}
		return Field{Key: key, Value: typed.Error()}
	default:
		return Field{Key: key, Value: fmt.Sprint(value)}
	}
}

// Emit writes the entry and reports failures to the warnings writer instead of the caller.
func (logger *Logger) Emit(entry Entry) {
	if logger == nil {
		return
	}
	_ = logger.Log(entry)
}

// Log writes an event entry to the log file.
func (logger *Logger) Log(entry Entry) error {
	if logger == nil {
		return errors.New("audit logger is nil")
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()

	line, err := logger.formatEntry(entry)
	if err != nil {
		logger.warnf("audit log entry rejected: %v", err)
		return err
	}
	logger.mirror(entry)

	if err := logger.appendLine(line); err != nil {
		logger.warnf("audit log write failed for %s: %v", logger.path, err)
		return err
	}
	return nil
}

// mirror forwards the entry to the console logger at debug level.
func (logger *Logger) mirror(entry Entry) {
	fields := make([]zap.Field, 0, len(entry.Fields)+2)
	if entry.TaskID != "" {
		fields = append(fields, zap.String("task_id", entry.TaskID))
	}
	if entry.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", entry.Attempt))
	}
	for _, field := range entry.Fields {
		if field.Value != "" {
			fields = append(fields, zap.String(field.Key, field.Value))
		}
	}
	logger.console.Debug(entry.Event, fields...)
}

// formatEntry renders an entry in logfmt order: ts, run_id, task_id, event, attempt, fields.
func (logger *Logger) formatEntry(entry Entry) (string, error) {
	if entry.Event == "" {
		return "", errors.New("event is required")
	}
	now := logger.now
	if now == nil {
		now = time.Now
	}

	ts := now().UTC().Format(time.RFC3339)
	fields := []string{
		formatField("ts", ts),
		formatField("run_id", logger.runID),
	}
	if entry.TaskID != "" {
		fields = append(fields, formatField("task_id", entry.TaskID))
	}
	fields = append(fields, formatField("event", entry.Event))
	if entry.Attempt > 0 {
		fields = append(fields, formatField("attempt", strconv.Itoa(entry.Attempt)))
	}

	for _, field := range entry.Fields {
		if field.Value == "" {
			continue
		}
		if field.Key == "" {
			return "", errors.New("field key is required")
		}
		fields = append(fields, formatField(field.Key, field.Value))
	}
	return strings.Join(fields, " "), nil
}

// formatField encodes a logfmt key/value pair.
func formatField(key string, value string) string {
	encoded := sanitizeValue(value)
	if needsQuoting(encoded) {
		return fmt.Sprintf(`%s="%s"`, key, escapeLogfmt(encoded))
	}
	return fmt.Sprintf("%s=%s", key, encoded)
}

// sanitizeValue ensures values stay single-line.
func sanitizeValue(value string) string {
	value = strings.ReplaceAll(value, "\n", `\n`)
	return strings.ReplaceAll(value, "\r", `\r`)
}

// needsQuoting reports whether the value needs logfmt quoting.
func needsQuoting(value string) bool {
	if value == "" {
		return true
	}
	for _, r := range value {
		if r == ' ' || r == '\t' || r == '\n' || r == '=' || r == '"' {
			return true
		}
	}
	return false
}

// escapeLogfmt escapes characters that must be quoted in logfmt values.
func escapeLogfmt(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

// appendLine writes the log entry to the event log file.
func (logger *Logger) appendLine(line string) error {
	if logger.path == "" {
		return errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(logger.path), auditLogDirMode); err != nil {
		return fmt.Errorf("create audit log directory %s: %w", filepath.Dir(logger.path), err)
	}
	file, err := os.OpenFile(logger.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", logger.path, err)
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audit log %s: %w", logger.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit log %s: %w", logger.path, err)
	}
	return nil
}

// warnf writes a warning message to the configured warnings writer.
func (logger *Logger) warnf(format string, args ...any) {
	if logger == nil || logger.warnings == nil {
		return
	}
	_, _ = fmt.Fprintf(logger.warnings, format+"\n", args...)
}
