package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// AuditLogger records changes made to users' packages and overrides
type AuditLogger interface {
	// LogChange logs one state change in logfmt
	LogChange(operation string, instance string, userID int64, status string, details ...interface{})
}

type auditLogger struct {
	logger *log.Logger
}

// NewAuditLogger creates an audit logger writing to w
func NewAuditLogger(w io.Writer) AuditLogger {
	return &auditLogger{
		logger: log.New(w, "", 0), // No flags, we'll handle formatting ourselves
	}
}

func (l *auditLogger) LogChange(operation string, instance string, userID int64, status string, details ...interface{}) {
	parts := []string{
		fmt.Sprintf("op=%s", formatValue(operation)),
		fmt.Sprintf("instance=%s", formatValue(instance)),
		fmt.Sprintf("user=%d", userID),
		fmt.Sprintf("status=%s", formatValue(status)),
	}

	for i := 0; i+1 < len(details); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%s", details[i], formatValue(details[i+1])))
	}

	timestamp := time.Now().UTC().Format("2006-01-02 15:04:05 -0700")
	l.logger.Printf("%s %s", timestamp, strings.Join(parts, " "))
}
