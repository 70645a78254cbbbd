package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert is an append-only record of a fired detection. Never mutated after
// emission.
type Alert struct {
	AlertID     string   `json:"alert_id"`
	RuleID      string   `json:"rule_id"`
	Host        string   `json:"host"`
	Severity    int      `json:"severity"`
	Confidence  float64  `json:"confidence"`
	CreatedTime string   `json:"created_time_utc"`
	User        string   `json:"user,omitempty"`
	SrcIP       string   `json:"src_ip,omitempty"`
	Reasons     []string `json:"reasons"`
	Context     Context  `json:"context"`
}

// ruleSpec maps a correlation reason onto alert metadata.
type ruleSpec struct {
	RuleID     string
	Severity   int
	Confidence float64
}

// ruleCatalog is the fixed reason-to-alert translation table.
var ruleCatalog = map[string]ruleSpec{
	ReasonBruteForce:           {RuleID: "BRUTE_FORCE_V1", Severity: 7, Confidence: 0.75},
	ReasonPasswordSpray:        {RuleID: "PASSWORD_SPRAY_V1", Severity: 8, Confidence: 0.80},
	ReasonSuccessAfterFailures: {RuleID: "SUCCESS_AFTER_FAILURES_V1", Severity: 8, Confidence: 0.70},
	ReasonIngestStorm:          {RuleID: "INGEST_STORM_V1", Severity: 5, Confidence: 0.60},
}

// AlertDeduper suppresses alert spam. Keyed by (rule, host, user, src_ip);
// a key emits at most once per TTL. The emit instant is recorded on every
// admitted emit, so the bucket holds exactly one slot.
type AlertDeduper struct {
	mu       sync.Mutex
	ttl      time.Duration
	lastEmit map[string]time.Time
	clock    func() time.Time
}

// NewAlertDeduper creates a deduper with the given TTL.
func NewAlertDeduper(ttl time.Duration) *AlertDeduper {
	return NewAlertDeduperWithClock(ttl, time.Now)
}

func NewAlertDeduperWithClock(ttl time.Duration, clock func() time.Time) *AlertDeduper {
	return &AlertDeduper{
		ttl:      ttl,
		lastEmit: make(map[string]time.Time),
		clock:    clock,
	}
}

// ShouldEmit reports whether an alert for the key may be emitted now, and if
// so records the emission.
func (d *AlertDeduper) ShouldEmit(ruleID, host, user, srcIP string) bool {
	key := strings.Join([]string{ruleID, host, user, srcIP}, "|")
	now := d.clock().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.lastEmit[key]
	if ok && now.Sub(last) < d.ttl {
		return false
	}
	d.lastEmit[key] = now
	return true
}

// AlertSink appends alerts to a JSONL file, one compact object per line.
// The file is opened in append mode per write so records survive a crash of
// the current process.
type AlertSink struct {
	mu   sync.Mutex
	path string
}

// NewAlertSink creates the sink, creating parent directories as needed.
func NewAlertSink(path string) (*AlertSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create alert sink dir: %w", err)
	}
	return &AlertSink{path: path}, nil
}

// Path returns the sink file path.
func (s *AlertSink) Path() string { return s.path }

// Emit appends one alert record.
func (s *AlertSink) Emit(a Alert) error {
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open alert sink: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// ReadRecent returns the last `limit` alerts from a JSONL sink file, oldest
// first. A missing file yields an empty slice.
func ReadRecent(path string, limit int) ([]Alert, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Alert{}, nil
		}
		return nil, fmt.Errorf("open alert sink: %w", err)
	}
	defer func() { _ = f.Close() }()

	var alerts []Alert
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var a Alert
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			// Skip torn or foreign lines rather than failing the read.
			continue
		}
		alerts = append(alerts, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan alert sink: %w", err)
	}

	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	return alerts, nil
}

// AlertEmitter translates correlation reasons into deduped, durable alerts.
type AlertEmitter struct {
	deduper *AlertDeduper
	sink    *AlertSink
	clock   func() time.Time
	logger  *slog.Logger
}

// NewAlertEmitter wires a deduper and a sink.
func NewAlertEmitter(deduper *AlertDeduper, sink *AlertSink) *AlertEmitter {
	return NewAlertEmitterWithClock(deduper, sink, time.Now)
}

func NewAlertEmitterWithClock(deduper *AlertDeduper, sink *AlertSink, clock func() time.Time) *AlertEmitter {
	return &AlertEmitter{
		deduper: deduper,
		sink:    sink,
		clock:   clock,
		logger:  slog.Default().With("component", "alerts"),
	}
}

// EmitForDecision builds one alert per correlation reason the deduper admits
// and appends it to the sink. Sink failures are swallowed: they are logged
// and counted in the returned failure count, never surfaced to the request
// path.
func (em *AlertEmitter) EmitForDecision(rec EventRecord, corr CorrelationDecision) (emitted []Alert, failures int) {
	for _, reason := range corr.Reasons {
		spec, ok := ruleCatalog[reason]
		if !ok {
			continue
		}
		if !em.deduper.ShouldEmit(spec.RuleID, rec.Host, rec.User, rec.SrcIP) {
			continue
		}
		a := Alert{
			AlertID:     uuid.New().String(),
			RuleID:      spec.RuleID,
			Host:        rec.Host,
			Severity:    spec.Severity,
			Confidence:  spec.Confidence,
			CreatedTime: em.clock().UTC().Format(time.RFC3339Nano),
			User:        rec.User,
			SrcIP:       rec.SrcIP,
			Reasons:     []string{reason},
			Context:     corr.Context,
		}
		if err := em.sink.Emit(a); err != nil {
			em.logger.Error("alert emit failed", "rule_id", spec.RuleID, "host", rec.Host, "error", err)
			failures++
			continue
		}
		emitted = append(emitted, a)
	}
	return emitted, failures
}
