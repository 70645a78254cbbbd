package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ares-sec/ares/pkg/api"
	"github.com/ares-sec/ares/pkg/audit"
	"github.com/ares-sec/ares/pkg/engine"
	"github.com/ares-sec/ares/pkg/observability"
)

// ServiceName appears in health responses.
const ServiceName = "ares-correlator"

const (
	defaultRecentAlerts = 50
	maxRecentAlerts     = 200
	maxBodyBytes        = 1 << 20
)

// Options wires the gateway's collaborators.
type Options struct {
	SharedSecret []byte
	ReplayWindow time.Duration

	RateLimit       int
	RateLimitWindow time.Duration

	IdempotencyTTL time.Duration
	GCInterval     time.Duration

	Audit       *audit.Logger
	Idempotency IdempotencyIndex
	Correlator  *engine.Correlator
	Policy      *engine.HostPolicyEngine
	Alerts      *engine.AlertEmitter
	AlertsPath  string
	Metrics     *observability.Provider

	Clock func() time.Time
}

// Gateway composes the admission chain with the correlation engine and the
// response policy, and serves the HTTP surface.
type Gateway struct {
	secret       []byte
	replayWindow time.Duration

	limiter   *FixedWindowLimiter
	idempo    IdempotencyIndex
	idempoTTL time.Duration
	gcPace    *rate.Limiter

	audit      *audit.Logger
	correlator *engine.Correlator
	policy     *engine.HostPolicyEngine
	alerts     *engine.AlertEmitter
	alertsPath string
	metrics    *observability.Provider

	clock  func() time.Time
	logger *slog.Logger
}

// New builds a gateway from options.
func New(opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 120 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 300
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Noop()
	}
	return &Gateway{
		secret:       opts.SharedSecret,
		replayWindow: opts.ReplayWindow,
		limiter:      NewFixedWindowLimiterWithClock(opts.RateLimit, opts.RateLimitWindow, opts.Clock),
		idempo:       opts.Idempotency,
		idempoTTL:    opts.IdempotencyTTL,
		gcPace:       gcPacer(opts.GCInterval),
		audit:        opts.Audit,
		correlator:   opts.Correlator,
		policy:       opts.Policy,
		alerts:       opts.Alerts,
		alertsPath:   opts.AlertsPath,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		logger:       slog.Default().With("component", "gateway"),
	}
}

// RegisterRoutes mounts the gateway endpoints on the mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /ingest", g.handleIngest)
	mux.HandleFunc("GET /hosts/quarantined", g.handleListQuarantined)
	mux.HandleFunc("GET /hosts/{host}/state", g.handleHostState)
	mux.HandleFunc("DELETE /hosts/{host}/quarantine", g.handleClearQuarantine)
	mux.HandleFunc("GET /alerts/recent", g.handleRecentAlerts)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
	})
}

// decisionBody is the wire shape of a correlation or policy decision.
type decisionBody struct {
	Decision string         `json:"decision"`
	Reasons  []string       `json:"reasons"`
	Context  engine.Context `json:"context"`
}

type ingestResponse struct {
	Accepted      bool         `json:"accepted"`
	EventID       string       `json:"event_id"`
	GatewayReason string       `json:"gateway_reason"`
	Correlation   decisionBody `json:"correlation"`
	Policy        decisionBody `json:"policy"`
	FinalDecision string       `json:"final_decision"`
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := remoteIP(r)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.WriteReject(w, http.StatusBadRequest, ReasonInvalidJSON)
		return
	}
	bodyHash := BodySHA256(raw)

	reject := func(status int, reason string, eventFields map[string]any) {
		record := map[string]any{
			"type":                audit.TypeGatewayReject,
			"path":                "/ingest",
			"client_ip":           clientIP,
			"verification_status": "fail",
			"verification_reason": reason,
			"body_sha256":         bodyHash,
		}
		for k, v := range eventFields {
			record[k] = v
		}
		g.auditWrite(record)
		g.metrics.RecordRejected(ctx, reason)
		api.WriteReject(w, status, reason)
	}

	// 1. Signature over the raw body. Cheap cryptographic check first:
	// garbage is rejected before any state is touched.
	header := r.Header.Get(SigHeader)
	if header == "" {
		reject(http.StatusUnauthorized, ReasonMissingSignature, nil)
		return
	}
	if len(g.secret) == 0 {
		// Server misconfiguration, not an event rejection.
		g.auditWrite(map[string]any{
			"type":   audit.TypeServerError,
			"path":   "/ingest",
			"reason": "missing_shared_secret",
		})
		api.WriteInternal(w, "server_misconfigured", nil)
		return
	}
	if ok, reason := VerifySignature(g.secret, raw, header); !ok {
		reject(http.StatusUnauthorized, reason, nil)
		return
	}

	// 2. Parse and schema validation.
	event, reason, err := ParseEvent(raw)
	if err != nil {
		reject(http.StatusBadRequest, reason, nil)
		return
	}
	eventFields := map[string]any{
		"event_id": event.EventID,
		"host":     event.Host,
		"source":   event.Source,
	}

	now := g.clock().UTC()

	// 3. Replay window on the producer timestamp.
	if ok, reason := CheckReplayWindow(event.Timestamp, now, g.replayWindow); !ok {
		reject(http.StatusBadRequest, reason, eventFields)
		return
	}

	// 4. Idempotency check. Marking happens after the rate limit so a
	// rate-limited event may be retried with the same id.
	seen, err := g.idempo.Seen(ctx, event.EventID)
	if err != nil {
		g.serverError(ctx, w, "persistence_error", err)
		return
	}
	if seen {
		reject(http.StatusConflict, ReasonDuplicateEventID, eventFields)
		return
	}

	// 5. Rate limit per host.
	if ok, reason := g.limiter.Allow(event.Host); !ok {
		reject(http.StatusTooManyRequests, reason, eventFields)
		return
	}

	// 6. Mark idempotent, now that every check has passed.
	if err := g.idempo.Mark(ctx, event.EventID); err != nil {
		g.serverError(ctx, w, "persistence_error", err)
		return
	}
	g.maybeGC(ctx)

	// 7. Normalise into the internal record.
	rec := engine.EventRecord{
		EventID:      event.EventID,
		Source:       event.Source,
		Host:         event.Host,
		Category:     event.Category,
		Action:       event.Action,
		Severity:     event.Severity,
		Timestamp:    event.Timestamp,
		ReceivedTime: now,
		User:         event.User,
		SrcIP:        event.SrcIP,
	}

	// 8. Correlation, then policy. Neither raises: they always decide.
	corr := g.correlator.Evaluate(rec)
	policy := g.policy.Evaluate(rec, corr)

	// 9. Alerts, deduped. Sink failures are swallowed and counted.
	emitted, failures := g.alerts.EmitForDecision(rec, corr)
	for range failures {
		g.metrics.RecordSinkFailure(ctx, "alerts")
	}
	for _, a := range emitted {
		g.metrics.RecordAlert(ctx, a.RuleID)
		g.auditWrite(map[string]any{
			"type":     audit.TypeAlertEmitted,
			"alert_id": a.AlertID,
			"rule_id":  a.RuleID,
			"host":     a.Host,
			"severity": a.Severity,
			"reasons":  a.Reasons,
		})
	}

	// 10. Audit the acceptance and both decisions.
	g.auditWrite(map[string]any{
		"type":                audit.TypeGatewayAccept,
		"path":                "/ingest",
		"client_ip":           clientIP,
		"verification_status": "pass",
		"verification_reason": ReasonOK,
		"body_sha256":         bodyHash,
		"event_id":            event.EventID,
		"host":                event.Host,
		"source":              event.Source,
		"category":            event.Category,
		"action":              event.Action,
		"severity":            event.Severity,
	})
	g.auditWrite(map[string]any{
		"type":     audit.TypeCorrelationDecision,
		"event_id": corr.EventID,
		"host":     corr.Host,
		"decision": string(corr.Decision),
		"reasons":  corr.Reasons,
		"context":  corr.Context,
	})
	g.auditWrite(map[string]any{
		"type":     audit.TypePolicyDecision,
		"event_id": policy.EventID,
		"host":     policy.Host,
		"decision": string(policy.Decision),
		"reasons":  policy.Reasons,
		"context":  policy.Context,
	})

	g.metrics.RecordAccepted(ctx)
	api.WriteJSON(w, http.StatusOK, ingestResponse{
		Accepted:      true,
		EventID:       event.EventID,
		GatewayReason: ReasonOK,
		Correlation: decisionBody{
			Decision: string(corr.Decision),
			Reasons:  corr.Reasons,
			Context:  corr.Context,
		},
		Policy: decisionBody{
			Decision: string(policy.Decision),
			Reasons:  policy.Reasons,
			Context:  policy.Context,
		},
		FinalDecision: string(policy.Decision),
	})
}

func (g *Gateway) handleHostState(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	st := g.policy.GetState(host)

	var cooldown any
	if st.CooldownUntil != nil {
		cooldown = st.CooldownUntil.UTC().Format(time.RFC3339Nano)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"host":               host,
		"cooldown_until_utc": cooldown,
		"quarantine":         st.Quarantine,
	})
}

func (g *Gateway) handleListQuarantined(w http.ResponseWriter, _ *http.Request) {
	hosts := g.policy.ListQuarantined()
	if hosts == nil {
		hosts = []string{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (g *Gateway) handleClearQuarantine(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	cleared := g.policy.ClearQuarantine(host)
	g.auditWrite(map[string]any{
		"type":    "quarantine_cleared",
		"host":    host,
		"cleared": cleared,
	})
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"host":    host,
		"cleared": cleared,
	})
}

func (g *Gateway) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentAlerts
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRecentAlerts {
			api.WriteReject(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	alerts, err := engine.ReadRecent(g.alertsPath, limit)
	if err != nil {
		api.WriteInternal(w, "alert_read_failed", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// serverError answers a transient persistence fault: 500, no retry, audited
// as a server error rather than an event rejection.
func (g *Gateway) serverError(ctx context.Context, w http.ResponseWriter, detail string, err error) {
	g.auditWrite(map[string]any{
		"type":   audit.TypeServerError,
		"path":   "/ingest",
		"reason": detail,
	})
	g.metrics.RecordRejected(ctx, detail)
	api.WriteInternal(w, detail, err)
}

// auditWrite appends an audit record, swallowing failures: the audit trail
// must never fail the request path. Failures are logged and counted.
func (g *Gateway) auditWrite(record map[string]any) {
	if err := g.audit.Write(record); err != nil {
		g.logger.Error("audit write failed", "error", err)
		g.metrics.RecordSinkFailure(context.Background(), "audit")
	}
}

// maybeGC opportunistically trims expired idempotency entries, paced so the
// scan runs at most once per interval.
func (g *Gateway) maybeGC(ctx context.Context) {
	if !g.gcPace.Allow() {
		return
	}
	removed, err := g.idempo.GC(ctx, g.idempoTTL)
	if err != nil {
		g.logger.Error("idempotency gc failed", "error", err)
		return
	}
	if removed > 0 {
		g.logger.Debug("idempotency gc", "removed", removed)
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
