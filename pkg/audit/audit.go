// Package audit persists the forensic trail of the pipeline: one row per
// model call (accepted or rejected) and an append-only action log keyed by
// trace. Audit rows are the only place raw model output is stored.
package audit

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/store"
)

// Policy statuses recorded with each call.
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
)

// PreviewLimit bounds prompt_preview; the full prompt is recoverable only
// through its hash.
const PreviewLimit = 4000

// Call is one model invocation to be recorded. ParsedJSON is nil when the
// output was rejected; PolicyError is empty when it was accepted.
type Call struct {
	TraceID      string
	Phase        string
	Model        string
	Prompt       string
	RawOutput    string
	ParsedJSON   []byte
	PolicyStatus string
	PolicyError  string
	CreatedAt    time.Time
}

// CallStore writes ai_call_audit rows.
type CallStore struct {
	db store.DBTX
}

func NewCallStore(db store.DBTX) *CallStore {
	return &CallStore{db: db}
}

// RecordCall inserts the audit row and returns its ID. The prompt itself is
// never stored whole: only its SHA-256 and a bounded preview.
func (s *CallStore) RecordCall(ctx context.Context, c Call) (int64, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var parsed any
	if len(c.ParsedJSON) > 0 {
		parsed = string(c.ParsedJSON)
	}
	var policyErr any
	if c.PolicyError != "" {
		policyErr = c.PolicyError
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ai_call_audit (trace_id, phase, model_name, prompt_hash, prompt_preview, raw_output, parsed_json, policy_status, policy_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		c.TraceID, c.Phase, c.Model,
		HashPrompt(c.Prompt), PreviewPrompt(c.Prompt),
		c.RawOutput, parsed, c.PolicyStatus, policyErr, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record ai call: %w", err)
	}
	return id, nil
}

// HashPrompt returns the lowercase SHA-256 hex digest of the prompt text.
func HashPrompt(prompt string) string {
	return canonical.HashBytes([]byte(prompt))
}

// PreviewPrompt truncates the prompt to PreviewLimit bytes, backing off a
// partial rune so the preview stays valid UTF-8.
func PreviewPrompt(prompt string) string {
	if len(prompt) <= PreviewLimit {
		return prompt
	}
	cut := prompt[:PreviewLimit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
