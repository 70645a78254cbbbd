package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// HostPolicyState is the per-host response state. Quarantine is sticky until
// externally cleared; a cooldown in the past is simply inactive.
type HostPolicyState struct {
	Host          string     `json:"host"`
	CooldownUntil *time.Time `json:"cooldown_until_utc"`
	Quarantine    bool       `json:"quarantine"`
}

// HostStatePersistence is the durable backing for host policy state.
// Implemented by the sqlite state store; nil means memory-only operation.
type HostStatePersistence interface {
	GetHostState(ctx context.Context, host string) (cooldownUntil *time.Time, quarantine bool, err error)
	UpsertHostState(ctx context.Context, host string, cooldownUntil *time.Time, quarantine bool) error
}

// HostPolicyEngine drives the per-host state machine
// {Normal, Cooldown(until), Quarantined} from correlation verdicts.
//
// When a persistence backend is configured, state is hydrated from it on the
// first access to a host and written through on every change. Write-through
// failures never fail the decision; they are logged and the in-memory state
// stays authoritative for the rest of the process lifetime.
type HostPolicyEngine struct {
	mu            sync.Mutex
	state         map[string]*HostPolicyState
	cooldown      time.Duration
	quarantineOn  map[string]struct{}
	severityFloor int
	persistence   HostStatePersistence
	clock         func() time.Time
	logger        *slog.Logger
}

// PolicyParams configures the host policy engine.
type PolicyParams struct {
	CooldownSeconds int
	QuarantineOn    []string
	SeverityFloor   int
}

// NewHostPolicyEngine creates the engine. A nil persistence keeps all state
// in memory.
func NewHostPolicyEngine(params PolicyParams, persistence HostStatePersistence) *HostPolicyEngine {
	return NewHostPolicyEngineWithClock(params, persistence, time.Now)
}

func NewHostPolicyEngineWithClock(params PolicyParams, persistence HostStatePersistence, clock func() time.Time) *HostPolicyEngine {
	if params.CooldownSeconds <= 0 {
		params.CooldownSeconds = 120
	}
	if params.QuarantineOn == nil {
		params.QuarantineOn = []string{ReasonBruteForce}
	}
	quarantineOn := make(map[string]struct{}, len(params.QuarantineOn))
	for _, r := range params.QuarantineOn {
		quarantineOn[r] = struct{}{}
	}
	return &HostPolicyEngine{
		state:         make(map[string]*HostPolicyState),
		cooldown:      time.Duration(params.CooldownSeconds) * time.Second,
		quarantineOn:  quarantineOn,
		severityFloor: params.SeverityFloor,
		persistence:   persistence,
		clock:         clock,
		logger:        slog.Default().With("component", "policy"),
	}
}

// Evaluate applies the response policy to a correlated event and returns the
// final decision. Checks run in a fixed order; the first match wins.
func (e *HostPolicyEngine) Evaluate(rec EventRecord, corr CorrelationDecision) PolicyDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.loadLocked(rec.Host)
	now := e.clock().UTC()

	ctx := Context{
		"correlation_decision": string(corr.Decision),
		"correlation_reasons":  corr.Reasons,
		"severity":             rec.Severity,
	}
	decide := func(d Decision, reason string) PolicyDecision {
		return PolicyDecision{
			EventID:  rec.EventID,
			Host:     rec.Host,
			Decision: d,
			Reasons:  []string{reason},
			Context:  ctx,
		}
	}

	// Low-value signals are muted but still recorded upstream.
	if rec.Severity < e.severityFloor {
		return decide(DecisionThrottle, ReasonBelowSeverityFloor)
	}

	// Hard quarantine overrides everything.
	if st.Quarantine {
		return decide(DecisionBlock, ReasonHostQuarantined)
	}

	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		ctx["cooldown_until_utc"] = st.CooldownUntil.Format(time.RFC3339Nano)
		return decide(DecisionBlock, ReasonCooldownActive)
	}

	// A quarantine-listed reason escalates on its first firing, regardless
	// of the correlator's overall verdict: brute force alone only reaches
	// THROTTLE, yet it must still quarantine the host.
	for _, r := range corr.Reasons {
		if _, ok := e.quarantineOn[r]; ok {
			st.Quarantine = true
			e.persistLocked(st)
			return decide(DecisionBlock, ReasonQuarantineOn)
		}
	}

	switch corr.Decision {
	case DecisionBlock:
		until := now.Add(e.cooldown)
		st.CooldownUntil = &until
		e.persistLocked(st)
		ctx["cooldown_set_until_utc"] = until.Format(time.RFC3339Nano)
		return decide(DecisionBlock, ReasonCorrelationBlock)

	case DecisionThrottle:
		until := now.Add(e.cooldown)
		st.CooldownUntil = &until
		e.persistLocked(st)
		ctx["cooldown_set_until_utc"] = until.Format(time.RFC3339Nano)
		return decide(DecisionThrottle, ReasonSuspiciousCooldown)
	}

	return decide(DecisionAllow, ReasonOK)
}

// GetState returns a snapshot of a host's state. Unknown hosts report the
// initial state.
func (e *HostPolicyEngine) GetState(host string) HostPolicyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.loadLocked(host)
}

// ListQuarantined returns the quarantined hosts, sorted for stable output.
func (e *HostPolicyEngine) ListQuarantined() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var hosts []string
	for h, st := range e.state {
		if st.Quarantine {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// ClearQuarantine lifts the quarantine for a host. Returns true if the host
// was quarantined.
func (e *HostPolicyEngine) ClearQuarantine(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.loadLocked(host)
	if !st.Quarantine {
		return false
	}
	st.Quarantine = false
	st.CooldownUntil = nil
	e.persistLocked(st)
	return true
}

// loadLocked returns the host's state, hydrating from persistence on the
// first access within this process.
func (e *HostPolicyEngine) loadLocked(host string) *HostPolicyState {
	if st, ok := e.state[host]; ok {
		return st
	}
	st := &HostPolicyState{Host: host}
	if e.persistence != nil {
		cooldownUntil, quarantine, err := e.persistence.GetHostState(context.Background(), host)
		if err != nil {
			e.logger.Error("host state hydration failed", "host", host, "error", err)
		} else {
			st.CooldownUntil = cooldownUntil
			st.Quarantine = quarantine
		}
	}
	e.state[host] = st
	return st
}

func (e *HostPolicyEngine) persistLocked(st *HostPolicyState) {
	if e.persistence == nil {
		return
	}
	if err := e.persistence.UpsertHostState(context.Background(), st.Host, st.CooldownUntil, st.Quarantine); err != nil {
		e.logger.Error("host state write-through failed", "host", st.Host, "error", err)
	}
}
