package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/store"
)

// Entry is one audit_log row: who did what under which trace.
type Entry struct {
	ID        int64          `json:"-"`
	TraceID   string         `json:"trace_id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogStore appends to and reads the audit_log table.
type LogStore struct {
	db store.DBTX
}

func NewLogStore(db store.DBTX) *LogStore {
	return &LogStore{db: db}
}

// Append writes one audit_log row. Details are stored as canonical JSON so
// identical actions always produce identical rows.
func (s *LogStore) Append(ctx context.Context, traceID, actor, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	payload, err := canonical.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, actor, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		traceID, actor, action, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// ListByTrace returns every audit_log row for a trace in insertion order.
func (s *LogStore) ListByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, actor, action, details, created_at
		FROM audit_log
		WHERE trace_id = $1
		ORDER BY created_at ASC, id ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Actor, &e.Action, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log row: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
