package audit

import (
	"context"
	"fmt"
	"strings"
)

// MultiLogger fans out audit entries to multiple loggers, typically the
// database trail plus a file mirror.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that records to all given loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Record records the entry to every logger. All loggers are attempted
// even when some fail; the combined failures are returned as one error.
func (m *MultiLogger) Record(ctx context.Context, entry *Entry) error {
	var failures []string
	for _, logger := range m.loggers {
		if err := logger.Record(ctx, entry); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("audit record partially failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

// Close closes all underlying loggers
func (m *MultiLogger) Close() error {
	var failures []string
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("failed to close audit loggers: %s", strings.Join(failures, "; "))
	}
	return nil
}
