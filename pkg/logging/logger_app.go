package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	golog "github.com/fclairamb/go-log"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// levelPanic sits above slog.LevelError
const levelPanic = slog.Level(12)

// AppLogger implements the go-log.Logger interface on top of slog
type AppLogger struct {
	level  *slog.LevelVar
	logger *slog.Logger
	closer io.Closer // nil unless the logger owns its writer
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	case LogLevelPanic:
		return levelPanic
	}
	return slog.LevelInfo
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// NewAppLogger creates an application logger writing to w. Terminals and
// stdout get tint's console format, files get plain slog text.
func NewAppLogger(w io.Writer, level LogLevel) *AppLogger {
	lv := new(slog.LevelVar)
	lv.Set(toSlogLevel(level))

	var handler slog.Handler
	if _, ok := w.(*os.File); ok {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lv,
			TimeFormat: time.DateTime,
			NoColor:    !isTerminal(w),
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	}

	l := &AppLogger{
		level:  lv,
		logger: slog.New(handler),
	}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		l.closer = c
	}
	return l
}

func (l *AppLogger) log(level slog.Level, message string, keyvals ...interface{}) {
	l.logger.Log(context.Background(), level, message, keyvals...)
}

// Debug implements go-log.Logger
func (l *AppLogger) Debug(message string, keyvals ...interface{}) {
	l.log(slog.LevelDebug, message, keyvals...)
}

// Info implements go-log.Logger
func (l *AppLogger) Info(message string, keyvals ...interface{}) {
	l.log(slog.LevelInfo, message, keyvals...)
}

// Warn implements go-log.Logger
func (l *AppLogger) Warn(message string, keyvals ...interface{}) {
	l.log(slog.LevelWarn, message, keyvals...)
}

// Error implements go-log.Logger
func (l *AppLogger) Error(message string, keyvals ...interface{}) {
	l.log(slog.LevelError, message, keyvals...)
}

// Panic implements go-log.Logger. It logs and then panics with the message.
func (l *AppLogger) Panic(message string, keyvals ...interface{}) {
	l.log(levelPanic, message, keyvals...)
	panic(fmt.Sprint(message))
}

// With implements go-log.Logger
func (l *AppLogger) With(keyvals ...interface{}) golog.Logger {
	return &AppLogger{
		level:  l.level,
		logger: l.logger.With(keyvals...),
	}
}

// SetLevel changes the minimum level at runtime
func (l *AppLogger) SetLevel(level LogLevel) {
	l.level.Set(toSlogLevel(level))
}

// IsDebug returns true if the logger is at debug level
func (l *AppLogger) IsDebug() bool {
	return l.level.Level() <= slog.LevelDebug
}

// Close closes the underlying writer if the logger owns one
func (l *AppLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
