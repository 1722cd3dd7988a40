package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	// LogLevelDebug is for debug messages
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is for informational messages
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is for warning messages
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is for error messages
	LogLevelError LogLevel = "error"
	// LogLevelPanic is for panic messages
	LogLevelPanic LogLevel = "panic"
)

// DefaultMaxSize is the log size at which files are rotated when Config.MaxSize is zero
const DefaultMaxSize = 10 * 1024 * 1024

// Config holds logging configuration
type Config struct {
	Level     LogLevel
	AppPath   string // Application log file, stdout when empty
	AuditPath string // Audit log file, discarded when empty
	MaxSize   int64  // Rotation size for both files
}

var (
	// App is the global application logger
	App *AppLogger
	// Audit is the global audit logger for state changes
	Audit AuditLogger
)

func init() {
	App = NewAppLogger(os.Stdout, LogLevelInfo)
	Audit = NewAuditLogger(io.Discard)
}

// ParseLevel converts a configuration string into a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(s)) {
	case "":
		return LogLevelInfo, nil
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelPanic:
		return LogLevel(strings.ToLower(s)), nil
	case "warning":
		return LogLevelWarn, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// Initialize sets up the global loggers
func Initialize(cfg Config) error {
	level := cfg.Level
	if level == "" {
		level = LogLevelInfo
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	var newApp *AppLogger
	if cfg.AppPath == "" {
		newApp = NewAppLogger(os.Stdout, level)
	} else {
		w, err := NewRotatingWriter(cfg.AppPath, maxSize)
		if err != nil {
			return fmt.Errorf("failed to initialize app logger: %w", err)
		}
		newApp = NewAppLogger(w, level)
	}

	newAudit := NewAuditLogger(io.Discard)
	if cfg.AuditPath != "" {
		w, err := NewRotatingWriter(cfg.AuditPath, maxSize)
		if err != nil {
			_ = newApp.Close()
			return fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		newAudit = NewAuditLogger(w)
	}

	App = newApp
	Audit = newAudit
	return nil
}

// formatValue formats a value for logfmt, quoting if necessary
func formatValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if s == "" || strings.ContainsAny(s, " =\"") {
		s = strings.ReplaceAll(s, "\"", "\\\"")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
