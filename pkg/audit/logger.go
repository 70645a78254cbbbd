// Package audit provides the append-only JSONL decision trail. Every inbound
// event produces at least one audit record; rejections and decisions alike.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record kinds written by the pipeline.
const (
	TypeGatewayReject       = "gateway_reject"
	TypeGatewayAccept       = "gateway_accept"
	TypeCorrelationDecision = "correlation_decision"
	TypePolicyDecision      = "policy_decision"
	TypeAlertEmitted        = "alert_emitted"
	TypeServerError         = "server_error"
)

// Logger appends structured records to a JSONL file, one compact object per
// line. Writes are serialised; the file is opened in append mode per write so
// the trail survives a crash of the current process.
type Logger struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

// NewLogger creates the logger, creating parent directories as needed.
func NewLogger(path string) (*Logger, error) {
	return NewLoggerWithClock(path, time.Now)
}

func NewLoggerWithClock(path string, clock func() time.Time) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Logger{path: path, clock: clock}, nil
}

// Path returns the audit file path.
func (l *Logger) Path() string { return l.path }

// Write appends one record. received_time_utc is set if the caller did not
// provide it.
func (l *Logger) Write(record map[string]any) error {
	if _, ok := record["received_time_utc"]; !ok {
		record["received_time_utc"] = l.clock().UTC().Format(time.RFC3339Nano)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}
