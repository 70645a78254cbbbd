// Package gateway implements the admission chain and the HTTP surface of the
// pipeline: signature verification, schema validation, replay window,
// idempotency, rate limiting, and the handlers that compose them with the
// correlation engine.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SigHeader is the inbound signature header.
const SigHeader = "X-ARES-SIGNATURE"

const sigPrefix = "sha256="

// Admission reason tags. Stable: they appear in audit records and in the
// `detail` field of rejection responses.
const (
	ReasonOK                 = "ok"
	ReasonMissingSignature   = "missing_signature"
	ReasonBadSignatureFormat = "bad_signature_format"
	ReasonSignatureMismatch  = "signature_mismatch"
	ReasonInvalidJSON        = "invalid_json"
	ReasonSchemaValidation   = "schema_validation_failed"
	ReasonReplayWindow       = "replay_window_exceeded"
	ReasonDuplicateEventID   = "duplicate_event_id"
	ReasonRateLimited        = "rate_limited"
)

// ComputeSignature returns the lower-case hex HMAC-SHA256 of body under the
// shared secret.
func ComputeSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw body bytes.
// The comparison is constant-time.
func VerifySignature(secret, body []byte, header string) (bool, string) {
	if header == "" {
		return false, ReasonMissingSignature
	}
	if !strings.HasPrefix(header, sigPrefix) {
		return false, ReasonBadSignatureFormat
	}
	provided := strings.TrimSpace(strings.TrimPrefix(header, sigPrefix))
	expected := ComputeSignature(secret, body)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return false, ReasonSignatureMismatch
	}
	return true, ReasonOK
}

// BodySHA256 returns the hex SHA-256 of the raw body, used to reference the
// payload in audit records without storing it.
func BodySHA256(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CheckReplayWindow rejects events whose producer timestamp is too far from
// the gateway clock in either direction. The delta must be strictly greater
// than the window to reject; a delta of exactly the window passes.
func CheckReplayWindow(timestamp, now time.Time, window time.Duration) (bool, string) {
	delta := now.Sub(timestamp)
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return false, ReasonReplayWindow
	}
	return true, ReasonOK
}
