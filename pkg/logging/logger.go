// Package logging provides the structured logger used by all protocol
// stages. Entries carry a level, an optional component name and a flat
// field map so that batch ids and correlation keys stay searchable.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Format selects the log output format.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// Entry is a single log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes leveled, structured log entries.
type Logger struct {
	mu        sync.Mutex
	level     Level
	format    Format
	output    io.Writer
	component string
}

// New creates a logger writing text entries at the given level to w.
func New(level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{level: level, format: TextFormat, output: w}
}

// Default returns an info-level text logger on stdout.
func Default() *Logger {
	return New(InfoLevel, os.Stdout)
}

// WithComponent returns a copy of the logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &Logger{
		level:     l.level,
		format:    l.format,
		output:    l.output,
		component: component,
	}
}

// SetFormat switches between text and JSON output.
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// IsEnabled reports whether entries at the given level are written.
func (l *Logger) IsEnabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *Logger) log(level Level, message string, fields map[string]any) {
	if !l.IsEnabled(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    fields,
	}
	if l.component != "" {
		if entry.Fields == nil {
			entry.Fields = make(map[string]any)
		}
		entry.Fields["component"] = l.component
	}

	var out string
	switch l.format {
	case JSONFormat:
		data, _ := json.Marshal(entry)
		out = string(data) + "\n"
	default:
		out = formatText(entry)
	}

	l.output.Write([]byte(out))
}

func formatText(entry Entry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(entry.Level)
	b.WriteString("] ")
	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		var parts []string
		for key, value := range entry.Fields {
			parts = append(parts, fmt.Sprintf("%s=%v", key, value))
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, " "))
		b.WriteString("]")
	}
	b.WriteString("\n")
	return b.String()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...map[string]any) {
	l.log(DebugLevel, message, first(fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields ...map[string]any) {
	l.log(InfoLevel, message, first(fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...map[string]any) {
	l.log(WarnLevel, message, first(fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields ...map[string]any) {
	l.log(ErrorLevel, message, first(fields))
}

func first(fields []map[string]any) map[string]any {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}
