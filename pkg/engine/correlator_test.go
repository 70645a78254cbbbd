package engine_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ares-sec/ares/pkg/engine"
)

func newTestCorrelator(now *time.Time) *engine.Correlator {
	return engine.NewCorrelatorWithClock(engine.DefaultRuleParams(), func() time.Time { return *now })
}

func authEvent(id, host, action, user, srcIP string, received time.Time) engine.EventRecord {
	return engine.EventRecord{
		EventID:      id,
		Source:       "auth-svc",
		Host:         host,
		Category:     "auth",
		Action:       action,
		Severity:     5,
		Timestamp:    received,
		ReceivedTime: received,
		User:         user,
		SrcIP:        srcIP,
	}
}

func TestCorrelator_CleanEventAllows(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	dec := c.Evaluate(authEvent("evt-clean-01", "h1", "login_success", "alice", "", baseTime))

	assert.Equal(t, engine.DecisionAllow, dec.Decision)
	assert.Empty(t, dec.Reasons)
	// Diagnostic counters are present even when nothing fires.
	assert.Equal(t, 1, dec.Context["storm_count"])
	assert.Equal(t, 0, dec.Context["login_failed_count"])
	assert.Equal(t, 1, dec.Context["recent_events_kept"])
}

func TestCorrelator_BruteForceBoundary(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	var dec engine.CorrelationDecision
	for i := 0; i < 8; i++ {
		now = baseTime.Add(time.Duration(i) * time.Second)
		dec = c.Evaluate(authEvent(fmt.Sprintf("evt-brute-%02d", i), "h1", "login_failed", "alice", "", now))
		if i < 7 {
			// 7 failures must not fire the rule.
			assert.NotContains(t, dec.Reasons, engine.ReasonBruteForce, "event %d", i)
		}
	}

	require.Contains(t, dec.Reasons, engine.ReasonBruteForce)
	assert.Equal(t, engine.DecisionThrottle, dec.Decision)
	assert.Equal(t, 8, dec.Context["login_failed_count"])
	assert.Equal(t, "alice", dec.Context["brute_user"])
}

func TestCorrelator_BruteForceNilUserBucketsAsUnknown(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	var dec engine.CorrelationDecision
	for i := 0; i < 8; i++ {
		now = baseTime.Add(time.Duration(i) * time.Second)
		dec = c.Evaluate(authEvent(fmt.Sprintf("evt-anon-%02d", i), "h1", "login_failed", "", "", now))
	}

	assert.Contains(t, dec.Reasons, engine.ReasonBruteForce)
	assert.Equal(t, "unknown", dec.Context["brute_user"])
}

func TestCorrelator_IngestStorm(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	var dec engine.CorrelationDecision
	for i := 0; i < 60; i++ {
		now = baseTime.Add(time.Duration(i*100) * time.Millisecond)
		rec := eventAt("h2", now)
		rec.EventID = fmt.Sprintf("evt-storm-%02d", i)
		dec = c.Evaluate(rec)
	}

	require.Contains(t, dec.Reasons, engine.ReasonIngestStorm)
	// Storm alone throttles, it does not block.
	assert.Equal(t, engine.DecisionThrottle, dec.Decision)
}

func TestCorrelator_PasswordSprayRequiresBothThresholds(t *testing.T) {
	t.Run("enough failures but one user does not fire", func(t *testing.T) {
		now := baseTime
		c := newTestCorrelator(&now)

		var dec engine.CorrelationDecision
		for i := 0; i < 10; i++ {
			now = baseTime.Add(time.Duration(i) * time.Second)
			dec = c.Evaluate(authEvent(fmt.Sprintf("evt-sp1-%02d", i), "h1", "login_failed", "alice", "10.0.0.9", now))
		}
		assert.NotContains(t, dec.Reasons, engine.ReasonPasswordSpray)
		assert.Equal(t, 10, dec.Context["spray_fail_count"])
		assert.Equal(t, 1, dec.Context["spray_unique_users"])
	})

	t.Run("enough users but too few failures does not fire", func(t *testing.T) {
		now := baseTime
		c := newTestCorrelator(&now)

		var dec engine.CorrelationDecision
		for i := 0; i < 5; i++ {
			now = baseTime.Add(time.Duration(i) * time.Second)
			user := fmt.Sprintf("user%d", i)
			dec = c.Evaluate(authEvent(fmt.Sprintf("evt-sp2-%02d", i), "h1", "login_failed", user, "10.0.0.9", now))
		}
		assert.NotContains(t, dec.Reasons, engine.ReasonPasswordSpray)
	})

	t.Run("both thresholds fire the rule", func(t *testing.T) {
		now := baseTime
		c := newTestCorrelator(&now)

		var dec engine.CorrelationDecision
		for i := 0; i < 8; i++ {
			now = baseTime.Add(time.Duration(i) * time.Second)
			user := fmt.Sprintf("user%d", i%5)
			dec = c.Evaluate(authEvent(fmt.Sprintf("evt-sp3-%02d", i), "h1", "login_failed", user, "10.0.0.9", now))
		}
		require.Contains(t, dec.Reasons, engine.ReasonPasswordSpray)
		assert.Equal(t, 8, dec.Context["spray_fail_count"])
		assert.Equal(t, 5, dec.Context["spray_unique_users"])
	})

	t.Run("no source ip never fires", func(t *testing.T) {
		now := baseTime
		c := newTestCorrelator(&now)

		var dec engine.CorrelationDecision
		for i := 0; i < 10; i++ {
			now = baseTime.Add(time.Duration(i) * time.Second)
			user := fmt.Sprintf("user%d", i%6)
			dec = c.Evaluate(authEvent(fmt.Sprintf("evt-sp4-%02d", i), "h1", "login_failed", user, "", now))
		}
		assert.NotContains(t, dec.Reasons, engine.ReasonPasswordSpray)
	})
}

func TestCorrelator_SuccessAfterFailures(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	for i := 0; i < 6; i++ {
		now = baseTime.Add(time.Duration(i) * time.Second)
		c.Evaluate(authEvent(fmt.Sprintf("evt-saf-%02d", i), "h3", "login_failed", "bob", "", now))
	}
	now = baseTime.Add(10 * time.Second)
	dec := c.Evaluate(authEvent("evt-saf-ok", "h3", "login_success", "bob", "", now))

	require.Contains(t, dec.Reasons, engine.ReasonSuccessAfterFailures)
	assert.Equal(t, engine.DecisionThrottle, dec.Decision)
	assert.Equal(t, 6, dec.Context["success_prior_fail_count"])
}

func TestCorrelator_FailureAfterFailuresDoesNotFireSuccessRule(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	var dec engine.CorrelationDecision
	for i := 0; i < 7; i++ {
		now = baseTime.Add(time.Duration(i) * time.Second)
		dec = c.Evaluate(authEvent(fmt.Sprintf("evt-nf-%02d", i), "h3", "login_failed", "bob", "", now))
	}
	assert.NotContains(t, dec.Reasons, engine.ReasonSuccessAfterFailures)
}

func TestCorrelator_StormPlusBruteBlocks(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	// 60 failed logins for one user inside the storm window trip both rules.
	var dec engine.CorrelationDecision
	for i := 0; i < 60; i++ {
		now = baseTime.Add(time.Duration(i*100) * time.Millisecond)
		dec = c.Evaluate(authEvent(fmt.Sprintf("evt-sb-%02d", i), "h1", "login_failed", "alice", "", now))
	}

	require.Contains(t, dec.Reasons, engine.ReasonIngestStorm)
	require.Contains(t, dec.Reasons, engine.ReasonBruteForce)
	assert.Equal(t, engine.DecisionBlock, dec.Decision)
}

func TestCorrelator_WindowExpiryResetsCounts(t *testing.T) {
	now := baseTime
	c := newTestCorrelator(&now)

	for i := 0; i < 7; i++ {
		now = baseTime.Add(time.Duration(i) * time.Second)
		c.Evaluate(authEvent(fmt.Sprintf("evt-we-%02d", i), "h1", "login_failed", "alice", "", now))
	}
	// The 8th failure lands after the 60s brute window has drained.
	now = baseTime.Add(5 * time.Minute)
	dec := c.Evaluate(authEvent("evt-we-late", "h1", "login_failed", "alice", "", now))

	assert.NotContains(t, dec.Reasons, engine.ReasonBruteForce)
	assert.Equal(t, 1, dec.Context["login_failed_count"])
}
