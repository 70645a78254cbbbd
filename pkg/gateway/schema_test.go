package gateway_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ares-sec/ares/pkg/gateway"
)

func validEventBody(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"event_type":    "sec.event.v1",
		"event_id":      "evt-schema-0001",
		"source":        "auth-svc",
		"host":          "web-01",
		"timestamp_utc": "2026-08-24T12:00:00Z",
		"category":      "auth",
		"action":        "login_failed",
		"severity":      5,
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestParseEvent_Valid(t *testing.T) {
	raw := validEventBody(t, map[string]any{
		"user":   "alice",
		"src_ip": "10.0.0.9",
		"attributes": map[string]any{
			"attempts": 3,
		},
	})

	event, reason, err := gateway.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, gateway.ReasonOK, reason)
	assert.Equal(t, "evt-schema-0001", event.EventID)
	assert.Equal(t, "web-01", event.Host)
	assert.Equal(t, "alice", event.User)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), event.Timestamp)
}

func TestParseEvent_OffsetTimestampNormalisedToUTC(t *testing.T) {
	raw := validEventBody(t, map[string]any{"timestamp_utc": "2026-08-24T14:00:00+02:00"})

	event, _, err := gateway.ParseEvent(raw)
	require.NoError(t, err)
	assert.True(t, event.Timestamp.Equal(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))
}

func TestParseEvent_InvalidJSON(t *testing.T) {
	_, reason, err := gateway.ParseEvent([]byte(`{"event_id":`))
	require.Error(t, err)
	assert.Equal(t, gateway.ReasonInvalidJSON, reason)
}

func TestParseEvent_SchemaRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"unknown top-level field", validEventBody(t, map[string]any{"surprise": true})},
		{"wrong event_type", validEventBody(t, map[string]any{"event_type": "sec.event.v2"})},
		{"missing event_id", validEventBody(t, map[string]any{"event_id": nil})},
		{"event_id too short", validEventBody(t, map[string]any{"event_id": "short"})},
		{"severity above range", validEventBody(t, map[string]any{"severity": 11})},
		{"severity negative", validEventBody(t, map[string]any{"severity": -1})},
		{"severity not an integer", validEventBody(t, map[string]any{"severity": 5.5})},
		{"empty host", validEventBody(t, map[string]any{"host": ""})},
		{"timestamp without offset", validEventBody(t, map[string]any{"timestamp_utc": "2026-08-24T12:00:00"})},
		{"timestamp not a date", validEventBody(t, map[string]any{"timestamp_utc": "yesterday"})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, reason, err := gateway.ParseEvent(tc.raw)
			require.Error(t, err)
			assert.Equal(t, gateway.ReasonSchemaValidation, reason)
		})
	}
}
