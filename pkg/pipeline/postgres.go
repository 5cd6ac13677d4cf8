package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/belief"
	"github.com/vsenthil7/voxcortex/pkg/canonical"
)

// PostgresStore persists pipeline outcomes to Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveOutcome upserts the belief row, appends its delta, and records the
// validated explanation, all in one transaction. Belief rows are keyed by
// belief_id; re-running the same revision is a no-op rewrite.
func (s *PostgresStore) SaveOutcome(ctx context.Context, b belief.Belief, d belief.Delta, explanationJSON []byte) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (belief_id) DO UPDATE
		SET confidence = EXCLUDED.confidence,
		    evidence_ids = EXCLUDED.evidence_ids,
		    updated_at = EXCLUDED.updated_at`,
		b.BeliefID, b.TraceID, b.Subject, b.Hypothesis, b.Confidence, string(evidenceIDs), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert belief: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO belief_deltas (belief_id, trace_id, from_conf, to_conf, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.BeliefID, d.TraceID, d.FromConf, d.ToConf, d.Reason, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append belief delta: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO explanations (belief_id, trace_id, explanation_json, created_at)
		VALUES ($1, $2, $3, $4)`,
		b.BeliefID, b.TraceID, string(explanationJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert explanation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}
	return nil
}

// TraceExplanation is the newest explanation recorded for a trace, joined
// with the confidence of the belief it explains.
type TraceExplanation struct {
	BeliefID   string
	TraceID    string
	Confidence float64
	Object     map[string]any
	CreatedAt  time.Time
}

// LatestExplanation returns the most recent explanation for a trace, or
// (nil, nil) when the trace has none.
func (s *PostgresStore) LatestExplanation(ctx context.Context, traceID string) (*TraceExplanation, error) {
	var (
		te  TraceExplanation
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.belief_id, e.trace_id, b.confidence, e.explanation_json, e.created_at
		FROM explanations e
		JOIN beliefs b ON b.belief_id = e.belief_id
		WHERE e.trace_id = $1
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT 1`,
		traceID,
	).Scan(&te.BeliefID, &te.TraceID, &te.Confidence, &raw, &te.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest explanation: %w", err)
	}
	if err := json.Unmarshal(raw, &te.Object); err != nil {
		return nil, fmt.Errorf("decode explanation json: %w", err)
	}
	return &te, nil
}
