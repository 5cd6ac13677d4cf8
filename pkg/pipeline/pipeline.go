// Package pipeline runs the Phase-0 workflow for one event: snapshot the
// evidence, revise the belief, consult the reasoner, persist the outcome,
// promote the winning hypothesis, and close the trace step in the audit log.
// It is the only writer that combines these tables; the component packages
// stay pure or single-table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vsenthil7/voxcortex/pkg/belief"
	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/evidence"
	"github.com/vsenthil7/voxcortex/pkg/hypothesis"
	"github.com/vsenthil7/voxcortex/pkg/logging"
	"github.com/vsenthil7/voxcortex/pkg/observability"
	"github.com/vsenthil7/voxcortex/pkg/policy"
	"github.com/vsenthil7/voxcortex/pkg/reasoner"
)

// Actor and action recorded on the closing audit entry of every trace step.
const (
	Actor               = "phase0_worker"
	ActionPhaseComplete = "phase0_complete"
)

// Default deadlines. The model call gets the long one; every database
// round-trip gets the short one.
const (
	DefaultLLMTimeout = 30 * time.Second
	DefaultDBTimeout  = 10 * time.Second
)

// CanonicalEvent is the normalized form every ingested event is reduced to
// before entering the pipeline.
type CanonicalEvent struct {
	EventID    string         `json:"event_id"`
	TraceID    string         `json:"trace_id"`
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	OccurredAt string         `json:"occurred_at"`
	Severity   string         `json:"severity"`
	Normalized map[string]any `json:"normalized"`
}

// AsMap renders the event as the payload that gets content-addressed. All
// keys are always present so the canonical hash is stable across sources
// that omit optional fields.
func (e CanonicalEvent) AsMap() map[string]any {
	normalized := e.Normalized
	if normalized == nil {
		normalized = map[string]any{}
	}
	return map[string]any{
		"event_id":    e.EventID,
		"trace_id":    e.TraceID,
		"source":      e.Source,
		"event_type":  e.EventType,
		"occurred_at": e.OccurredAt,
		"severity":    e.Severity,
		"normalized":  normalized,
	}
}

// Service returns the normalized service name, or "unknown".
func (e CanonicalEvent) Service() string {
	if svc, ok := e.Normalized["service"].(string); ok && svc != "" {
		return svc
	}
	return "unknown"
}

// Snapshotter captures a content-addressed evidence snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, traceID string, payload map[string]any) (evidence.Receipt, error)
}

// Explainer consults the model behind the policy gate. It never fails;
// rejected or unavailable calls come back as deterministic fallbacks.
type Explainer interface {
	Explain(ctx context.Context, traceID string, b belief.Belief, ev reasoner.Evidence) *policy.ValidatedExplanation
}

// Promoter applies the promotion rule to the newest hypothesis.
type Promoter interface {
	PromoteLatest(ctx context.Context, traceID, beliefID string) (*hypothesis.Promotion, error)
}

// Store persists the belief, its delta, and the validated explanation in
// one transaction.
type Store interface {
	SaveOutcome(ctx context.Context, b belief.Belief, d belief.Delta, explanationJSON []byte) error
}

// AuditLog appends trace-scoped audit entries.
type AuditLog interface {
	Append(ctx context.Context, traceID, actor, action string, details map[string]any) error
}

// Config wires an Orchestrator. Evidence, Reasoner, Promoter, Store, and
// Audit are required; the rest default sensibly.
type Config struct {
	Evidence   Snapshotter
	Reasoner   Explainer
	Promoter   Promoter
	Store      Store
	Audit      AuditLog
	Obs        *observability.Provider
	Logger     *slog.Logger
	LLMTimeout time.Duration
	DBTimeout  time.Duration
}

// Orchestrator drives the per-event workflow.
type Orchestrator struct {
	evidence   Snapshotter
	reasoner   Explainer
	promoter   Promoter
	store      Store
	audit      AuditLog
	obs        *observability.Provider
	log        *slog.Logger
	llmTimeout time.Duration
	dbTimeout  time.Duration
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	llmTimeout := cfg.LLMTimeout
	if llmTimeout <= 0 {
		llmTimeout = DefaultLLMTimeout
	}
	dbTimeout := cfg.DBTimeout
	if dbTimeout <= 0 {
		dbTimeout = DefaultDBTimeout
	}
	return &Orchestrator{
		evidence:   cfg.Evidence,
		reasoner:   cfg.Reasoner,
		promoter:   cfg.Promoter,
		store:      cfg.Store,
		audit:      cfg.Audit,
		obs:        cfg.Obs,
		log:        log,
		llmTimeout: llmTimeout,
		dbTimeout:  dbTimeout,
	}
}

// Outcome summarizes one completed pipeline run.
type Outcome struct {
	EventID        string                       `json:"event_id"`
	TraceID        string                       `json:"trace_id"`
	BeliefID       string                       `json:"belief_id"`
	EvidenceID     string                       `json:"evidence_id"`
	EvidenceSHA256 string                       `json:"evidence_sha256"`
	Signature      string                       `json:"signature"`
	Confidence     float64                      `json:"confidence"`
	Promotion      *hypothesis.Promotion        `json:"promotion,omitempty"`
	Explanation    *policy.ValidatedExplanation `json:"explanation,omitempty"`
}

// Process runs one event through the full workflow. Write ordering seen by
// any reader: evidence snapshot, belief delta, explanation, audit log.
func (o *Orchestrator) Process(ctx context.Context, ev CanonicalEvent) (*Outcome, error) {
	if strings.TrimSpace(ev.TraceID) == "" {
		return nil, errors.New("process event: empty trace_id")
	}

	ctx = logging.WithTrace(ctx, ev.TraceID)
	ctx, finish := o.obs.TrackOperation(ctx, "pipeline.process",
		attribute.String("event.source", ev.Source),
		attribute.String("event.type", ev.EventType),
	)
	out, err := o.process(ctx, ev)
	finish(err)
	return out, err
}

func (o *Orchestrator) process(ctx context.Context, ev CanonicalEvent) (*Outcome, error) {
	subject := "service/" + ev.Service()
	hyp := "Potential incident affecting " + subject
	signal := signalStrength(ev.Severity)

	o.log.InfoContext(ctx, "processing event",
		"event_id", ev.EventID, "source", ev.Source, "severity", ev.Severity, "subject", subject)

	receipt, err := o.snapshot(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("snapshot evidence: %w", err)
	}
	o.log.InfoContext(ctx, "evidence snapshot stored",
		"evidence_id", receipt.EvidenceID, "sha256", receipt.SHA256, "sig_mode", receipt.SigMode)

	b, d := belief.Update(subject, ev.TraceID, hyp, belief.DefaultPrior, signal, receipt.EvidenceID)
	o.log.InfoContext(ctx, "belief updated",
		"belief_id", b.BeliefID, "from_conf", d.FromConf, "to_conf", d.ToConf)

	expl := o.explain(ctx, ev, b, receipt)
	explJSON, err := canonical.Marshal(expl.Object)
	if err != nil {
		return nil, fmt.Errorf("canonicalize explanation: %w", err)
	}

	if err := o.saveOutcome(ctx, b, d, explJSON); err != nil {
		return nil, fmt.Errorf("save outcome: %w", err)
	}

	promo, err := o.promote(ctx, ev.TraceID, b.BeliefID)
	if err != nil {
		return nil, fmt.Errorf("promote hypothesis: %w", err)
	}
	if promo != nil {
		o.log.InfoContext(ctx, "promotion decided",
			"decision", promo.Decision, "hypothesis_id", promo.HypothesisID, "confidence", promo.Confidence)
	}

	if err := o.closeStep(ctx, ev, b, receipt, promo); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}

	return &Outcome{
		EventID:        ev.EventID,
		TraceID:        ev.TraceID,
		BeliefID:       b.BeliefID,
		EvidenceID:     receipt.EvidenceID,
		EvidenceSHA256: receipt.SHA256,
		Signature:      receipt.Signature,
		Confidence:     b.Confidence,
		Promotion:      promo,
		Explanation:    expl,
	}, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, ev CanonicalEvent) (evidence.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.dbTimeout)
	defer cancel()
	return o.evidence.Snapshot(ctx, ev.TraceID, ev.AsMap())
}

func (o *Orchestrator) explain(ctx context.Context, ev CanonicalEvent, b belief.Belief, receipt evidence.Receipt) *policy.ValidatedExplanation {
	ctx, cancel := context.WithTimeout(ctx, o.llmTimeout)
	defer cancel()
	return o.reasoner.Explain(ctx, ev.TraceID, b, reasoner.Evidence{
		EvidenceID: receipt.EvidenceID,
		SHA256:     receipt.SHA256,
		Payload:    ev.AsMap(),
	})
}

func (o *Orchestrator) saveOutcome(ctx context.Context, b belief.Belief, d belief.Delta, explJSON []byte) error {
	ctx, cancel := context.WithTimeout(ctx, o.dbTimeout)
	defer cancel()
	return o.store.SaveOutcome(ctx, b, d, explJSON)
}

func (o *Orchestrator) promote(ctx context.Context, traceID, beliefID string) (*hypothesis.Promotion, error) {
	ctx, cancel := context.WithTimeout(ctx, o.dbTimeout)
	defer cancel()
	return o.promoter.PromoteLatest(ctx, traceID, beliefID)
}

func (o *Orchestrator) closeStep(ctx context.Context, ev CanonicalEvent, b belief.Belief, receipt evidence.Receipt, promo *hypothesis.Promotion) error {
	details := map[string]any{
		"event_id":        ev.EventID,
		"belief_id":       b.BeliefID,
		"evidence_id":     receipt.EvidenceID,
		"evidence_sha256": receipt.SHA256,
		"signature":       receipt.Signature,
	}
	if promo != nil {
		details["promotion"] = map[string]any{
			"decision":      promo.Decision,
			"hypothesis_id": promo.HypothesisID,
			"reason":        promo.Reason,
		}
	}
	ctx, cancel := context.WithTimeout(ctx, o.dbTimeout)
	defer cancel()
	return o.audit.Append(ctx, ev.TraceID, Actor, ActionPhaseComplete, details)
}

// signalStrength maps event severity onto the revision signal.
func signalStrength(severity string) float64 {
	switch strings.ToLower(severity) {
	case "high", "critical":
		return 0.7
	default:
		return 0.4
	}
}
