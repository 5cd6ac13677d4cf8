// Package admin exposes the read-only operator surface: the audit timeline
// for a trace and individual evidence snapshots. It never writes.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vsenthil7/voxcortex/pkg/audit"
	"github.com/vsenthil7/voxcortex/pkg/evidence"
	"github.com/vsenthil7/voxcortex/pkg/logging"
	"github.com/vsenthil7/voxcortex/pkg/observability"
)

// AuditReader lists the audit timeline for one trace, oldest first.
type AuditReader interface {
	ListByTrace(ctx context.Context, traceID string) ([]audit.Entry, error)
}

// EvidenceReader loads one snapshot, (nil, nil) when unknown.
type EvidenceReader interface {
	Get(ctx context.Context, evidenceID string) (*evidence.Record, error)
}

// ServerConfig wires a Server. Audits and Evidence are required.
type ServerConfig struct {
	Audits   AuditReader
	Evidence EvidenceReader
	Obs      *observability.Provider
	Logger   *slog.Logger
}

// Server is the admin HTTP surface.
type Server struct {
	audits   AuditReader
	evidence EvidenceReader
	obs      *observability.Provider
	log      *slog.Logger
}

// NewServer builds a Server from cfg.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{audits: cfg.Audits, evidence: cfg.Evidence, obs: cfg.Obs, log: log}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/audit/{trace_id}", s.handleAuditTimeline)
	mux.HandleFunc("GET /v1/evidence/{evidence_id}", s.handleEvidence)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type timelineEvent struct {
	CreatedAt string         `json:"created_at"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
}

func (s *Server) handleAuditTimeline(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	ctx := logging.WithTrace(r.Context(), traceID)
	ctx, finish := s.obs.TrackOperation(ctx, "admin.audit_timeline")

	entries, err := s.audits.ListByTrace(ctx, traceID)
	finish(err)
	if err != nil {
		s.log.ErrorContext(ctx, "audit timeline read failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}

	events := make([]timelineEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, timelineEvent{
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999Z07:00"),
			Actor:     e.Actor,
			Action:    e.Action,
			Details:   e.Details,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "events": events})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	evidenceID := r.PathValue("evidence_id")
	ctx, finish := s.obs.TrackOperation(r.Context(), "admin.evidence")

	rec, err := s.evidence.Get(ctx, evidenceID)
	finish(err)
	if err != nil {
		s.log.ErrorContext(ctx, "evidence read failed", "evidence_id", evidenceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}

	// Unknown ids answer with an explicit null, not a 404: the id space is
	// opaque and the caller is usually following a provenance pointer.
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]any{"evidence": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": rec})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
