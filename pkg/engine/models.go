// Package engine implements the event pipeline core: the rolling per-host
// event history, the correlation rule set, the host response policy state
// machine, and alert emission with dedupe.
package engine

import "time"

// Decision is the verdict vocabulary shared by the correlation and policy layers.
type Decision string

const (
	DecisionAllow    Decision = "ALLOW"
	DecisionThrottle Decision = "THROTTLE"
	DecisionBlock    Decision = "BLOCK"
)

// EventRecord is the immutable internal representation of an admitted event.
// It keeps only what the rules and explainability surfaces need.
type EventRecord struct {
	EventID      string    `json:"event_id"`
	Source       string    `json:"source"`
	Host         string    `json:"host"`
	Category     string    `json:"category"`
	Action       string    `json:"action"`
	Severity     int       `json:"severity"`
	Timestamp    time.Time `json:"timestamp_utc"`
	ReceivedTime time.Time `json:"received_time_utc"`
	User         string    `json:"user,omitempty"`
	SrcIP        string    `json:"src_ip,omitempty"`
}

// Context carries diagnostic counters and labels attached to a decision so
// operators can see near-misses, not just fired rules.
type Context map[string]any

// CorrelationDecision is the correlator's verdict for a single event.
type CorrelationDecision struct {
	EventID  string   `json:"event_id"`
	Host     string   `json:"host"`
	Decision Decision `json:"decision"`
	Reasons  []string `json:"reasons"`
	Context  Context  `json:"context"`
}

// PolicyDecision has the same shape as CorrelationDecision but its reasons
// come from the policy-layer vocabulary.
type PolicyDecision struct {
	EventID  string   `json:"event_id"`
	Host     string   `json:"host"`
	Decision Decision `json:"decision"`
	Reasons  []string `json:"reasons"`
	Context  Context  `json:"context"`
}

// Correlation reason tags. Stable: they appear in audit records, alerts and
// API responses.
const (
	ReasonIngestStorm          = "ingest_storm"
	ReasonBruteForce           = "brute_force_suspected"
	ReasonPasswordSpray        = "password_spray_suspected"
	ReasonSuccessAfterFailures = "success_after_failures"
)

// Policy reason tags.
const (
	ReasonOK                 = "ok"
	ReasonBelowSeverityFloor = "below_severity_floor"
	ReasonHostQuarantined    = "host_quarantined"
	ReasonCooldownActive     = "cooldown_active"
	ReasonQuarantineOn       = "quarantine_activated"
	ReasonCorrelationBlock   = "correlation_block"
	ReasonSuspiciousCooldown = "suspicious_cooldown_set"
)
