package ingest

import (
	"context"
	"fmt"

	"github.com/vsenthil7/voxcortex/pkg/store"
)

// PostgresStore persists event rows to Postgres.
type PostgresStore struct {
	db store.DBTX
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db store.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveEvent appends one event row. Event IDs are minted per request, so
// this is a plain insert.
func (s *PostgresStore) SaveEvent(ctx context.Context, rec EventRecord) error {
	var severity any
	if rec.Severity != "" {
		severity = rec.Severity
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, trace_id, source, event_type, occurred_at, severity, raw_payload, normalized_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.EventID, rec.TraceID, rec.Source, rec.EventType, rec.OccurredAt,
		severity, string(rec.RawPayload), string(rec.Normalized), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
