package hypothesis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
)

// Promotion decisions. The thresholds are policy, not tuning: changing them
// changes what the system is willing to assert.
const (
	DecisionPromote = "PROMOTE"
	DecisionHold    = "HOLD"
	DecisionReject  = "REJECT"
)

// Decide maps a confidence value to a promotion decision and its reason.
//
//	>= 0.85 -> PROMOTE
//	>= 0.60 -> HOLD
//	<  0.60 -> REJECT
func Decide(conf float64) (decision, reason string) {
	if conf >= 0.85 {
		return DecisionPromote, "confidence>=0.85"
	}
	if conf >= 0.60 {
		return DecisionHold, "0.60<=confidence<0.85"
	}
	return DecisionReject, "confidence<0.60"
}

// Promotion is the recorded decision for the latest hypothesis of a belief.
type Promotion struct {
	TraceID       string   `json:"trace_id"`
	BeliefID      string   `json:"belief_id"`
	HypothesisID  int64    `json:"hypothesis_id"`
	AICallAuditID int64    `json:"ai_call_audit_id"`
	Decision      string   `json:"decision"`
	Reason        string   `json:"decision_reason"`
	Confidence    float64  `json:"promoted_confidence"`
	EvidenceIDs   []string `json:"evidence_ids"`
}

// PromoteLatest loads the newest hypothesis for (trace, belief), applies
// Decide, and records the outcome idempotently. Returns (nil, nil) when no
// hypothesis exists. A hypothesis without a model confidence is treated as
// confidence 0 and therefore rejected.
func (s *Store) PromoteLatest(ctx context.Context, traceID, beliefID string) (*Promotion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin promotion tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		hypothesisID int64
		auditID      int64
		text         string
		conf         sql.NullFloat64
		eidsRaw      []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, ai_call_audit_id, hypothesis, confidence, evidence_ids
		FROM hypotheses
		WHERE trace_id = $1 AND belief_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		traceID, beliefID,
	).Scan(&hypothesisID, &auditID, &text, &conf, &eidsRaw)
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
	decision, reason := Decide(confidence)

	eidsJSON, err := canonical.Marshal(evidenceIDs)
	if err != nil {
		return nil, fmt.Errorf("encode promotion evidence ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO belief_promotions (trace_id, belief_id, hypothesis_id, ai_call_audit_id, decision, decision_reason, promoted_confidence, evidence_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (belief_id, hypothesis_id) DO NOTHING`,
		traceID, beliefID, hypothesisID, auditID, decision, reason, confidence, string(eidsJSON), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert belief promotion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit promotion tx: %w", err)
	}

	return &Promotion{
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
