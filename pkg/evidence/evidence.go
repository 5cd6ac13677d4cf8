// Package evidence stores content-addressed snapshots of event payloads.
// A snapshot's identity is the SHA-256 of its canonical JSON form, so
// replaying the same payload can never create a second copy: the original
// evidence_id is returned instead.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/identity"
)

// provenanceActor is recorded with every provenance row written by the
// pipeline worker.
const provenanceActor = "phase0_worker"

// Receipt is what callers hold after a snapshot: enough to reference,
// verify, and audit the stored evidence without re-reading it.
type Receipt struct {
	EvidenceID string `json:"evidence_id"`
	SHA256     string `json:"sha256"`
	Signature  string `json:"signature"`
	SigMode    string `json:"sig_mode"`
}

// Record is a stored snapshot as read back for the admin surface.
type Record struct {
	EvidenceID string         `json:"evidence_id"`
	TraceID    string         `json:"trace_id"`
	SHA256     string         `json:"sha256"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists snapshots and their provenance in Postgres.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore wraps db. A nil signer degrades to unkeyed signatures.
func NewStore(db *sql.DB, signer *Signer) *Store {
	if signer == nil {
		signer = &Signer{}
	}
	return &Store{db: db, signer: signer}
}

// Snapshot canonicalizes payload and stores it content-addressed, appending
// a signed provenance row, all in one transaction. Duplicate payloads are
// detected by sha256 and return the original evidence_id; only the trace_id
// is refreshed to the latest writer.
func (s *Store) Snapshot(ctx context.Context, traceID string, payload map[string]any) (Receipt, error) {
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	sha := canonical.HashBytes(canon)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var evidenceID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO evidence_snapshots (evidence_id, trace_id, sha256, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sha256) DO UPDATE
		SET trace_id = EXCLUDED.trace_id
		RETURNING evidence_id`,
		identity.NewEvidence(), traceID, sha, string(canon), now,
	).Scan(&evidenceID)
	if err != nil {
		return Receipt{}, fmt.Errorf("insert evidence snapshot: %w", err)
	}

	signature, mode := s.signer.Sign(evidenceID, sha)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence_provenance (evidence_id, trace_id, sha256, actor, signature, sig_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		evidenceID, traceID, sha, provenanceActor, signature, mode, now,
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("insert evidence provenance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("commit snapshot tx: %w", err)
	}

	return Receipt{EvidenceID: evidenceID, SHA256: sha, Signature: signature, SigMode: mode}, nil
}

// Get returns a stored snapshot, or (nil, nil) when the ID is unknown.
func (s *Store) Get(ctx context.Context, evidenceID string) (*Record, error) {
	var (
		rec     Record
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT evidence_id, trace_id, sha256, payload, created_at
		FROM evidence_snapshots
		WHERE evidence_id = $1`,
		evidenceID,
	).Scan(&rec.EvidenceID, &rec.TraceID, &rec.SHA256, &payload, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode evidence payload: %w", err)
	}
	return &rec, nil
}
