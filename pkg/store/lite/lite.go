// Package lite is the single-file SQLite backend for local runs. One Store
// implements every persistence interface the pipeline, ingest, admin, and
// reasoner components consume, so lite mode needs no Postgres, Redis, or
// network at all.
package lite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vsenthil7/voxcortex/pkg/audit"
	"github.com/vsenthil7/voxcortex/pkg/belief"
	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/evidence"
	"github.com/vsenthil7/voxcortex/pkg/hypothesis"
	"github.com/vsenthil7/voxcortex/pkg/identity"
	"github.com/vsenthil7/voxcortex/pkg/ingest"
	"github.com/vsenthil7/voxcortex/pkg/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// DefaultPath is where lite mode keeps its database.
const DefaultPath = "voxcortex.db"

// Store is the SQLite-backed implementation of the pipeline's stores.
type Store struct {
	db     *sql.DB
	signer *evidence.Signer
}

// Open creates or opens the database at path, applying the schema. A nil
// signer degrades evidence signatures to plain digests.
func Open(path string, signer *evidence.Signer) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; funneling everything through a single
	// connection avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	if signer == nil {
		signer = &evidence.Signer{}
	}
	return &Store{db: db, signer: signer}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. Fixed width keeps
// lexicographic order equal to chronological order, which the ORDER BY
// created_at queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// SaveEvent appends one event row.
func (s *Store) SaveEvent(ctx context.Context, rec ingest.EventRecord) error {
	var severity any
	if rec.Severity != "" {
		severity = rec.Severity
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, trace_id, source, event_type, occurred_at, severity, raw_payload, normalized_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.TraceID, rec.Source, rec.EventType, rec.OccurredAt,
		severity, string(rec.RawPayload), string(rec.Normalized), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Snapshot captures a content-addressed evidence snapshot plus a signed
// provenance row. Duplicate payloads return the original evidence_id.
func (s *Store) Snapshot(ctx context.Context, traceID string, payload map[string]any) (evidence.Receipt, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return evidence.Receipt{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	sha := canonical.HashBytes(canon)
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return evidence.Receipt{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var evidenceID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO evidence_snapshots (evidence_id, trace_id, sha256, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sha256) DO UPDATE
		SET trace_id = excluded.trace_id
		RETURNING evidence_id`,
		identity.NewEvidence(), traceID, sha, string(canon), now,
	).Scan(&evidenceID)
	if err != nil {
		return evidence.Receipt{}, fmt.Errorf("insert evidence snapshot: %w", err)
	}

	signature, mode := s.signer.Sign(evidenceID, sha)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence_provenance (evidence_id, trace_id, sha256, actor, signature, sig_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		evidenceID, traceID, sha, pipeline.Actor, signature, mode, now,
	)
	if err != nil {
		return evidence.Receipt{}, fmt.Errorf("insert evidence provenance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return evidence.Receipt{}, fmt.Errorf("commit snapshot tx: %w", err)
	}

	return evidence.Receipt{EvidenceID: evidenceID, SHA256: sha, Signature: signature, SigMode: mode}, nil
}

// Get returns a stored snapshot, or (nil, nil) when the ID is unknown.
func (s *Store) Get(ctx context.Context, evidenceID string) (*evidence.Record, error) {
	var (
		rec       evidence.Record
		payload   []byte
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT evidence_id, trace_id, sha256, payload, created_at
		FROM evidence_snapshots
		WHERE evidence_id = ?`,
		evidenceID,
	).Scan(&rec.EvidenceID, &rec.TraceID, &rec.SHA256, &payload, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode evidence payload: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordCall inserts one ai_call_audit row and returns its ID.
func (s *Store) RecordCall(ctx context.Context, c audit.Call) (int64, error) {
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_call_audit (trace_id, phase, model_name, prompt_hash, prompt_preview, raw_output, parsed_json, policy_status, policy_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TraceID, c.Phase, c.Model,
		audit.HashPrompt(c.Prompt), audit.PreviewPrompt(c.Prompt),
		c.RawOutput, parsed, c.PolicyStatus, policyErr, formatTime(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("record ai call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ai call audit id: %w", err)
	}
	return id, nil
}

// Append writes one audit_log row with canonical details.
func (s *Store) Append(ctx context.Context, traceID, actor, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	payload, err := canonical.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, actor, action, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		traceID, actor, action, string(payload), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// ListByTrace returns every audit_log row for a trace in insertion order.
func (s *Store) ListByTrace(ctx context.Context, traceID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, actor, action, details, created_at
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY created_at ASC, id ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			details   []byte
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Actor, &e.Action, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit log row: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Persist extracts candidates from a validated response and inserts them,
// deduplicating on (ai_call_audit_id, hypothesis).
func (s *Store) Persist(ctx context.Context, traceID, beliefID string, auditID int64, validated map[string]any) (int, error) {
	candidates := hypothesis.Extract(validated)
	if len(candidates) == 0 {
		return 0, nil
	}

	now := formatTime(time.Now())
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
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

// PromoteLatest applies the promotion rule to the newest hypothesis for
// (trace, belief). Returns (nil, nil) when no hypothesis exists.
func (s *Store) PromoteLatest(ctx context.Context, traceID, beliefID string) (*hypothesis.Promotion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin promotion tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		hypothesisID int64
		auditID      int64
		conf         sql.NullFloat64
		eidsRaw      []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, ai_call_audit_id, confidence, evidence_ids
		FROM hypotheses
		WHERE trace_id = ? AND belief_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		traceID, beliefID,
	).Scan(&hypothesisID, &auditID, &conf, &eidsRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest hypothesis: %w", err)
	}

	var evidenceIDs []string
	if len(eidsRaw) > 0 {
		if err := json.Unmarshal(eidsRaw, &evidenceIDs); err != nil {
			return nil, fmt.Errorf("decode hypothesis evidence ids: %w", err)
		}
	}
	if evidenceIDs == nil {
		evidenceIDs = []string{}
	}

	confidence := conf.Float64 // NULL scans as 0
	decision, reason := hypothesis.Decide(confidence)

	eidsJSON, err := canonical.Marshal(evidenceIDs)
	if err != nil {
		return nil, fmt.Errorf("encode promotion evidence ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO belief_promotions (trace_id, belief_id, hypothesis_id, ai_call_audit_id, decision, decision_reason, promoted_confidence, evidence_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (belief_id, hypothesis_id) DO NOTHING`,
		traceID, beliefID, hypothesisID, auditID, decision, reason, confidence, string(eidsJSON), formatTime(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert belief promotion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit promotion tx: %w", err)
	}

	return &hypothesis.Promotion{
		TraceID:       traceID,
		BeliefID:      beliefID,
		HypothesisID:  hypothesisID,
		AICallAuditID: auditID,
		Decision:      decision,
		Reason:        reason,
		Confidence:    confidence,
		EvidenceIDs:   evidenceIDs,
	}, nil
}

// SaveOutcome upserts the belief, appends its delta, and records the
// explanation in one transaction.
func (s *Store) SaveOutcome(ctx context.Context, b belief.Belief, d belief.Delta, explanationJSON []byte) error {
	evidenceIDs, err := canonical.Marshal(b.EvidenceIDs())
	if err != nil {
		return fmt.Errorf("canonicalize evidence ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO beliefs (belief_id, trace_id, subject, hypothesis, confidence, evidence_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (belief_id) DO UPDATE
		SET confidence = excluded.confidence,
		    evidence_ids = excluded.evidence_ids,
		    updated_at = excluded.updated_at`,
		b.BeliefID, b.TraceID, b.Subject, b.Hypothesis, b.Confidence, string(evidenceIDs), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert belief: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO belief_deltas (belief_id, trace_id, from_conf, to_conf, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.BeliefID, d.TraceID, d.FromConf, d.ToConf, d.Reason, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append belief delta: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO explanations (belief_id, trace_id, explanation_json, created_at)
		VALUES (?, ?, ?, ?)`,
		b.BeliefID, b.TraceID, string(explanationJSON), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert explanation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}
	return nil
}

// LatestExplanation returns the most recent explanation for a trace, or
// (nil, nil) when the trace has none.
func (s *Store) LatestExplanation(ctx context.Context, traceID string) (*pipeline.TraceExplanation, error) {
	var (
		te        pipeline.TraceExplanation
		raw       []byte
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.belief_id, e.trace_id, b.confidence, e.explanation_json, e.created_at
		FROM explanations e
		JOIN beliefs b ON b.belief_id = e.belief_id
		WHERE e.trace_id = ?
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT 1`,
		traceID,
	).Scan(&te.BeliefID, &te.TraceID, &te.Confidence, &raw, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest explanation: %w", err)
	}
	if err := json.Unmarshal(raw, &te.Object); err != nil {
		return nil, fmt.Errorf("decode explanation json: %w", err)
	}
	if te.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &te, nil
}
