// Package ingest accepts operational events from external monitoring
// systems, normalizes them deterministically, and hands them to the
// pipeline (directly or via the event bus). Normalization is pure data
// shaping; no enrichment, no lookups, so the same request always produces
// the same canonical event apart from the minted IDs.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/identity"
	"github.com/vsenthil7/voxcortex/pkg/pipeline"
)

// Request is the ingest wire format.
type Request struct {
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	OccurredAt string         `json:"occurred_at"`
	Severity   string         `json:"severity,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

const requestSchema = `{
	"type": "object",
	"required": ["source", "event_type", "occurred_at"],
	"properties": {
		"source":      {"type": "string", "minLength": 1},
		"event_type":  {"type": "string", "minLength": 1},
		"occurred_at": {"type": "string", "minLength": 1},
		"severity":    {"type": "string"},
		"payload":     {"type": "object"}
	}
}`

var schema = jsonschema.MustCompileString("ingest_request.json", requestSchema)

// DecodeRequest parses and validates one ingest request body. Numbers in
// the payload are kept as json.Number so canonical hashing preserves the
// producer's exact rendering.
func DecodeRequest(r io.Reader) (Request, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return Request{}, fmt.Errorf("invalid JSON body: %v", err)
	}
	if err := schema.Validate(body); err != nil {
		return Request{}, fmt.Errorf("invalid request: %v", err)
	}

	obj := body.(map[string]any)
	req := Request{
		Source:     obj["source"].(string),
		EventType:  obj["event_type"].(string),
		OccurredAt: obj["occurred_at"].(string),
	}
	if sev, ok := obj["severity"].(string); ok {
		req.Severity = sev
	}
	if payload, ok := obj["payload"].(map[string]any); ok {
		req.Payload = payload
	}
	return req, nil
}

// Normalize reduces a request to the canonical event form. Derived fields:
// raw_keys (sorted payload keys), message (message|title, stringified),
// service (service|app, default "unknown"), region (default "unknown").
func Normalize(req Request, traceID string) pipeline.CanonicalEvent {
	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalized := map[string]any{
		"message":  firstValue(req.Payload, "", "message", "title"),
		"service":  firstValue(req.Payload, "unknown", "service", "app"),
		"region":   firstValue(req.Payload, "unknown", "region"),
		"raw_keys": keys,
	}

	return pipeline.CanonicalEvent{
		EventID:    identity.NewEvent(),
		TraceID:    traceID,
		Source:     req.Source,
		EventType:  req.EventType,
		OccurredAt: req.OccurredAt,
		Severity:   req.Severity,
		Normalized: normalized,
	}
}

// firstValue returns the stringified first present, non-empty key.
func firstValue(payload map[string]any, fallback string, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return fallback
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		s, err := canonical.MarshalString(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return s
	}
}

// EventRecord is the persisted form of an accepted event. Both payloads
// are canonical JSON.
type EventRecord struct {
	EventID    string
	TraceID    string
	Source     string
	EventType  string
	OccurredAt string
	Severity   string
	RawPayload []byte
	Normalized []byte
	CreatedAt  time.Time
}

// BuildRecord renders the event row for ev as received with payload.
func BuildRecord(ev pipeline.CanonicalEvent, payload map[string]any) (EventRecord, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return EventRecord{}, fmt.Errorf("canonicalize raw payload: %w", err)
	}
	normalized, err := canonical.Marshal(ev.Normalized)
	if err != nil {
		return EventRecord{}, fmt.Errorf("canonicalize normalized payload: %w", err)
	}
	return EventRecord{
		EventID:    ev.EventID,
		TraceID:    ev.TraceID,
		Source:     ev.Source,
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt,
		Severity:   ev.Severity,
		RawPayload: raw,
		Normalized: normalized,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
