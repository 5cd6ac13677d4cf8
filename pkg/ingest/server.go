package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vsenthil7/voxcortex/pkg/identity"
	"github.com/vsenthil7/voxcortex/pkg/logging"
	"github.com/vsenthil7/voxcortex/pkg/observability"
	"github.com/vsenthil7/voxcortex/pkg/pipeline"
)

// Actor recorded on ingest audit entries.
const Actor = "signalmesh"

// Request bodies beyond this size are cut off mid-decode.
const maxBodyBytes = 1 << 20

// Store persists accepted event rows.
type Store interface {
	SaveEvent(ctx context.Context, rec EventRecord) error
}

// AuditLog appends trace-scoped audit entries.
type AuditLog interface {
	Append(ctx context.Context, traceID, actor, action string, details map[string]any) error
}

// DispatchFunc hands a normalized event onward: to the bus when pub/sub is
// enabled, else straight into the pipeline.
type DispatchFunc func(ctx context.Context, ev pipeline.CanonicalEvent) error

// ServerConfig wires a Server. Events, Audit, and Dispatch are required.
type ServerConfig struct {
	Events   Store
	Audit    AuditLog
	Dispatch DispatchFunc
	Obs      *observability.Provider
	Logger   *slog.Logger
}

// Server is the ingest HTTP surface.
type Server struct {
	events   Store
	audit    AuditLog
	dispatch DispatchFunc
	obs      *observability.Provider
	log      *slog.Logger
}

// NewServer builds a Server from cfg.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		events:   cfg.Events,
		audit:    cfg.Audit,
		dispatch: cfg.Dispatch,
		obs:      cfg.Obs,
		log:      log,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type ingestResponse struct {
	OK      bool   `json:"ok"`
	TraceID string `json:"trace_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
	if traceID == "" {
		traceID = identity.NewTrace()
	}
	ctx := logging.WithTrace(r.Context(), traceID)
	ctx, finish := s.obs.TrackOperation(ctx, "ingest.request")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	status, resp := s.accept(ctx, r, traceID)
	if resp.OK {
		finish(nil)
	} else {
		finish(errors.New(resp.Error))
	}
	writeJSON(w, status, resp)
}

func (s *Server) accept(ctx context.Context, r *http.Request, traceID string) (int, ingestResponse) {
	req, err := DecodeRequest(r.Body)
	if err != nil {
		s.log.WarnContext(ctx, "rejected ingest request", "error", err)
		return http.StatusBadRequest, ingestResponse{Error: err.Error()}
	}

	ev := Normalize(req, traceID)
	rec, err := BuildRecord(ev, req.Payload)
	if err != nil {
		s.log.ErrorContext(ctx, "event canonicalization failed", "error", err)
		return http.StatusInternalServerError, ingestResponse{Error: "canonicalization failure"}
	}

	if err := s.events.SaveEvent(ctx, rec); err != nil {
		s.log.ErrorContext(ctx, "event save failed", "event_id", ev.EventID, "error", err)
		return http.StatusInternalServerError, ingestResponse{Error: "storage failure"}
	}

	if err := s.audit.Append(ctx, traceID, Actor, "ingest", map[string]any{"event_id": ev.EventID}); err != nil {
		s.log.ErrorContext(ctx, "ingest audit append failed", "event_id", ev.EventID, "error", err)
		return http.StatusInternalServerError, ingestResponse{Error: "storage failure"}
	}

	if err := s.dispatch(ctx, ev); err != nil {
		s.log.ErrorContext(ctx, "event dispatch failed", "event_id", ev.EventID, "error", err)
		return http.StatusInternalServerError, ingestResponse{Error: "dispatch failure"}
	}

	s.log.InfoContext(ctx, "event accepted",
		"event_id", ev.EventID, "source", ev.Source, "event_type", ev.EventType)
	return http.StatusOK, ingestResponse{OK: true, TraceID: traceID, EventID: ev.EventID}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
