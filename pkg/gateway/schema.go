package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// securityEventSchema is the strict contract for sec.event.v1. Inbound bodies
// are untrusted; unknown top-level fields are rejected.
const securityEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["event_type", "event_id", "source", "host", "timestamp_utc", "category", "action", "severity"],
  "properties": {
    "event_type": {"const": "sec.event.v1"},
    "event_id": {"type": "string", "minLength": 8, "maxLength": 128},
    "source": {"type": "string", "minLength": 1, "maxLength": 64},
    "host": {"type": "string", "minLength": 1, "maxLength": 128},
    "timestamp_utc": {"type": "string", "format": "date-time"},
    "category": {"type": "string", "minLength": 1, "maxLength": 64},
    "action": {"type": "string", "minLength": 1, "maxLength": 64},
    "severity": {"type": "integer", "minimum": 0, "maximum": 10},
    "user": {"type": "string", "maxLength": 128},
    "src_ip": {"type": "string", "maxLength": 64},
    "dest_ip": {"type": "string", "maxLength": 64},
    "process_name": {"type": "string", "maxLength": 256},
    "attributes": {"type": "object"}
  }
}`

var compiledEventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	const url = "https://ares-sec.dev/schemas/sec.event.v1.schema.json"
	if err := c.AddResource(url, strings.NewReader(securityEventSchema)); err != nil {
		panic(fmt.Sprintf("gateway: add event schema: %v", err))
	}
	return c.MustCompile(url)
}

// SecurityEventV1 is the validated inbound event.
type SecurityEventV1 struct {
	EventType   string         `json:"event_type"`
	EventID     string         `json:"event_id"`
	Source      string         `json:"source"`
	Host        string         `json:"host"`
	Timestamp   time.Time      `json:"-"`
	RawTime     string         `json:"timestamp_utc"`
	Category    string         `json:"category"`
	Action      string         `json:"action"`
	Severity    int            `json:"severity"`
	User        string         `json:"user,omitempty"`
	SrcIP       string         `json:"src_ip,omitempty"`
	DestIP      string         `json:"dest_ip,omitempty"`
	ProcessName string         `json:"process_name,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// ParseEvent validates raw bytes against the sec.event.v1 contract and
// decodes them. The returned reason is one of the stable admission tags.
func ParseEvent(raw []byte) (*SecurityEventV1, string, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, ReasonInvalidJSON, fmt.Errorf("parse event body: %w", err)
	}

	if err := compiledEventSchema.Validate(value); err != nil {
		return nil, ReasonSchemaValidation, fmt.Errorf("validate event body: %w", err)
	}

	var event SecurityEventV1
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, ReasonSchemaValidation, fmt.Errorf("decode event body: %w", err)
	}

	// RFC 3339 requires an explicit offset, so naive timestamps fail here.
	ts, err := time.Parse(time.RFC3339, event.RawTime)
	if err != nil {
		return nil, ReasonSchemaValidation, fmt.Errorf("parse event timestamp: %w", err)
	}
	event.Timestamp = ts.UTC()

	return &event, ReasonOK, nil
}
