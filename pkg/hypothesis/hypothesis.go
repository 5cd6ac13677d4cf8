// Package hypothesis persists candidate hypotheses extracted from accepted
// model output and issues the deterministic promotion decisions over them.
// The model proposes; this package decides by fixed thresholds.
package hypothesis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/policy"
)

// Candidate is one hypothesis pulled out of a validated model response.
// Confidence is nil when the model supplied none, and stays nil: absence is
// meaningful to the promoter.
type Candidate struct {
	Text        string
	Confidence  *float64
	EvidenceIDs []string
	Payload     map[string]any
}

// Extract pulls hypothesis candidates out of a gate-accepted object.
// Two shapes are accepted:
//
//	{"hypotheses": [{"hypothesis": "...", "confidence": 0.8, "evidence_ids": [...]}, ...]}
//	{"hypothesis": "...", "confidence": 0.8, "evidence_ids": [...]}
//
// Entries that are not objects or carry no usable text are skipped. An
// entry without its own evidence_ids inherits the top-level list.
func Extract(obj map[string]any) []Candidate {
	if list, ok := obj["hypotheses"].([]any); ok {
		out := make([]Candidate, 0, len(list))
		for _, item := range list {
			h, ok := item.(map[string]any)
			if !ok {
				continue
			}
			text := firstText(h, "hypothesis", "text", "statement")
			if text == "" {
				continue
			}
			out = append(out, Candidate{
				Text:        text,
				Confidence:  numericConfidence(h["confidence"]),
				EvidenceIDs: evidenceList(h, obj),
				Payload:     h,
			})
		}
		return out
	}

	text := firstText(obj, "hypothesis")
	if text == "" {
		return nil
	}
	return []Candidate{{
		Text:        text,
		Confidence:  numericConfidence(obj["confidence"]),
		EvidenceIDs: evidenceList(obj, obj),
		Payload:     obj,
	}}
}

func firstText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func numericConfidence(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	}
	return nil
}

// evidenceList resolves an entry's evidence_ids: the entry's own list when
// the key is present, the parent's otherwise. Anything that is not a list
// collapses to empty; elements are coerced to strings.
func evidenceList(entry, parent map[string]any) []string {
	raw, ok := entry["evidence_ids"]
	if !ok {
		raw = parent["evidence_ids"]
	}
	items, ok := raw.([]any)
	if !ok {
		if typed, isTyped := raw.([]string); isTyped {
			return typed
		}
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, policy.Stringify(it))
	}
	return out
}

// Store persists hypotheses and promotion decisions.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Persist extracts candidates from a validated response and inserts them,
// deduplicating on (ai_call_audit_id, hypothesis). Returns the number of
// rows actually inserted; replayed responses insert zero.
func (s *Store) Persist(ctx context.Context, traceID, beliefID string, auditID int64, validated map[string]any) (int, error) {
	candidates := Extract(validated)
	if len(candidates) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin hypotheses tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, c := range candidates {
		payloadJSON, err := canonical.Marshal(c.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode hypothesis payload: %w", err)
		}
		eidsJSON, err := canonical.Marshal(c.EvidenceIDs)
		if err != nil {
			return 0, fmt.Errorf("encode evidence ids: %w", err)
		}
		var conf any
		if c.Confidence != nil {
			conf = *c.Confidence
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO hypotheses (trace_id, belief_id, ai_call_audit_id, hypothesis, confidence, evidence_ids, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ai_call_audit_id, hypothesis) DO NOTHING`,
			traceID, beliefID, auditID, c.Text, conf, string(eidsJSON), string(payloadJSON), now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert hypothesis: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("hypothesis rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit hypotheses tx: %w", err)
	}
	return inserted, nil
}
