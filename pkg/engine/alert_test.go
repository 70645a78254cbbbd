package engine_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ares-sec/ares/pkg/engine"
)

func TestAlertDeduper_LeakyBucketOfOne(t *testing.T) {
	now := baseTime
	d := engine.NewAlertDeduperWithClock(300*time.Second, func() time.Time { return now })

	// First sight emits and records the instant.
	assert.True(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "alice", ""))

	// Everything inside the TTL is suppressed; suppressed hits do not
	// reset the clock.
	now = baseTime.Add(100 * time.Second)
	assert.False(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "alice", ""))
	now = baseTime.Add(299 * time.Second)
	assert.False(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "alice", ""))

	// At exactly the TTL the next emit is admitted.
	now = baseTime.Add(300 * time.Second)
	assert.True(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "alice", ""))
}

func TestAlertDeduper_KeyIncludesUserAndSrcIP(t *testing.T) {
	now := baseTime
	d := engine.NewAlertDeduperWithClock(300*time.Second, func() time.Time { return now })

	assert.True(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "alice", ""))
	assert.True(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "bob", ""))
	assert.True(t, d.ShouldEmit("BRUTE_FORCE_V1", "h2", "alice", ""))
	assert.True(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "alice", "10.0.0.9"))
	assert.False(t, d.ShouldEmit("BRUTE_FORCE_V1", "h1", "alice", ""))
}

func TestAlertSink_AppendsCompactJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.jsonl")
	sink, err := engine.NewAlertSink(path)
	require.NoError(t, err)

	a := engine.Alert{
		AlertID:     "a-1",
		RuleID:      "BRUTE_FORCE_V1",
		Host:        "h1",
		Severity:    7,
		Confidence:  0.75,
		CreatedTime: baseTime.Format(time.RFC3339Nano),
		Reasons:     []string{engine.ReasonBruteForce},
		Context:     engine.Context{"login_failed_count": 8},
	}
	require.NoError(t, sink.Emit(a))
	require.NoError(t, sink.Emit(a))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.False(t, strings.HasSuffix(line, " "))
		var got engine.Alert
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		assert.Equal(t, "BRUTE_FORCE_V1", got.RuleID)
	}
}

func TestReadRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	sink, err := engine.NewAlertSink(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Emit(engine.Alert{
			AlertID: string(rune('a' + i)),
			RuleID:  "INGEST_STORM_V1",
			Host:    "h1",
		}))
	}

	alerts, err := engine.ReadRecent(path, 3)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	// Last N, oldest first.
	assert.Equal(t, "c", alerts[0].AlertID)
	assert.Equal(t, "e", alerts[2].AlertID)
}

func TestReadRecent_MissingFile(t *testing.T) {
	alerts, err := engine.ReadRecent(filepath.Join(t.TempDir(), "absent.jsonl"), 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestAlertEmitter_MapsReasonsToCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	sink, err := engine.NewAlertSink(path)
	require.NoError(t, err)

	now := baseTime
	em := engine.NewAlertEmitterWithClock(
		engine.NewAlertDeduperWithClock(300*time.Second, func() time.Time { return now }),
		sink,
		func() time.Time { return now },
	)

	rec := authEvent("evt-map-001", "h1", "login_failed", "alice", "10.0.0.9", baseTime)
	corr := engine.CorrelationDecision{
		EventID:  rec.EventID,
		Host:     rec.Host,
		Decision: engine.DecisionBlock,
		Reasons:  []string{engine.ReasonIngestStorm, engine.ReasonBruteForce},
		Context:  engine.Context{"storm_count": 60},
	}

	emitted, failures := em.EmitForDecision(rec, corr)
	assert.Zero(t, failures)
	require.Len(t, emitted, 2)

	byRule := map[string]engine.Alert{}
	for _, a := range emitted {
		byRule[a.RuleID] = a
	}

	storm := byRule["INGEST_STORM_V1"]
	assert.Equal(t, 5, storm.Severity)
	assert.InDelta(t, 0.60, storm.Confidence, 1e-9)
	assert.Equal(t, []string{engine.ReasonIngestStorm}, storm.Reasons)

	brute := byRule["BRUTE_FORCE_V1"]
	assert.Equal(t, 7, brute.Severity)
	assert.InDelta(t, 0.75, brute.Confidence, 1e-9)
	assert.Equal(t, "alice", brute.User)
	assert.Equal(t, "10.0.0.9", brute.SrcIP)
	assert.NotEmpty(t, brute.AlertID)
	assert.NotEqual(t, storm.AlertID, brute.AlertID)

	// Both alerts carry the correlation's full context.
	assert.Equal(t, 60, brute.Context["storm_count"])
}

func TestAlertEmitter_DedupesWithinTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	sink, err := engine.NewAlertSink(path)
	require.NoError(t, err)

	now := baseTime
	em := engine.NewAlertEmitterWithClock(
		engine.NewAlertDeduperWithClock(300*time.Second, func() time.Time { return now }),
		sink,
		func() time.Time { return now },
	)

	rec := authEvent("evt-dd-001", "h1", "login_failed", "alice", "", baseTime)
	corr := engine.CorrelationDecision{
		EventID: rec.EventID, Host: rec.Host,
		Decision: engine.DecisionThrottle,
		Reasons:  []string{engine.ReasonBruteForce},
		Context:  engine.Context{},
	}

	for i := 0; i < 4; i++ {
		now = baseTime.Add(time.Duration(i) * time.Second)
		em.EmitForDecision(rec, corr)
	}

	alerts, err := engine.ReadRecent(path, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// Past the TTL, exactly one more comes through.
	now = baseTime.Add(301 * time.Second)
	em.EmitForDecision(rec, corr)
	alerts, err = engine.ReadRecent(path, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestAlertEmitter_UnknownReasonIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	sink, err := engine.NewAlertSink(path)
	require.NoError(t, err)

	em := engine.NewAlertEmitter(engine.NewAlertDeduper(time.Minute), sink)
	rec := eventAt("h1", baseTime)
	corr := engine.CorrelationDecision{
		EventID: rec.EventID, Host: rec.Host,
		Decision: engine.DecisionAllow,
		Reasons:  []string{"not_a_rule"},
		Context:  engine.Context{},
	}

	emitted, failures := em.EmitForDecision(rec, corr)
	assert.Empty(t, emitted)
	assert.Zero(t, failures)
}
