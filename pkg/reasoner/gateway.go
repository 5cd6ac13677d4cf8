// Package reasoner is the only path to the language model. Every call is
// rate limited, policy gated, and audited; callers can never observe raw
// model output, only a validated explanation or a deterministic fallback.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/vsenthil7/voxcortex/pkg/audit"
	"github.com/vsenthil7/voxcortex/pkg/belief"
	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/policy"
)

// phase labels every call audit row written by this gateway.
const phase = "phase1"

// Evidence is the snapshot view handed to the model as context.
type Evidence struct {
	EvidenceID string         `json:"evidence_id"`
	SHA256     string         `json:"sha256"`
	Payload    map[string]any `json:"payload"`
}

// CallRecorder persists one audit row per model call.
type CallRecorder interface {
	RecordCall(ctx context.Context, c audit.Call) (int64, error)
}

// HypothesisSink persists hypotheses extracted from an accepted response,
// keyed to the audit row that produced them.
type HypothesisSink interface {
	Persist(ctx context.Context, traceID, beliefID string, auditID int64, validated map[string]any) (int, error)
}

// GatewayConfig wires a Gateway. Client, Audits, and Model are required;
// the rest default sensibly.
type GatewayConfig struct {
	Client     Client
	Audits     CallRecorder
	Model      string
	Gate       *policy.Gate
	Hypotheses HypothesisSink
	Limiter    *rate.Limiter
	Logger     *slog.Logger
}

// Gateway mediates all model access.
type Gateway struct {
	client     Client
	audits     CallRecorder
	model      string
	gate       *policy.Gate
	hypotheses HypothesisSink
	limiter    *rate.Limiter
	log        *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	gate := cfg.Gate
	if gate == nil {
		gate = policy.NewGate()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		client:     cfg.Client,
		audits:     cfg.Audits,
		model:      model,
		gate:       gate,
		hypotheses: cfg.Hypotheses,
		limiter:    cfg.Limiter,
		log:        log,
	}
}

// Explain asks the model for an explanation of the belief given the
// evidence. It never returns an error: rejected or unavailable output
// degrades to a fixed fallback object, and exactly one audit row is written
// per call regardless of outcome.
func (g *Gateway) Explain(ctx context.Context, traceID string, b belief.Belief, ev Evidence) *policy.ValidatedExplanation {
	prompt, err := BuildPrompt(traceID, b, ev)
	if err != nil {
		g.log.Error("prompt build failed", "error", err)
		g.recordRejected(ctx, traceID, prompt, "", fmt.Sprintf("prompt build failed: %v", err))
		return UnavailableFallback()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.log.Warn("rate limit wait aborted", "error", err)
			g.recordRejected(ctx, traceID, prompt, "", transportReason(ctx, err))
			return UnavailableFallback()
		}
	}

	raw, err := g.client.Generate(ctx, g.model, prompt)
	if err != nil {
		g.log.Error("model call failed", "error", err)
		g.recordRejected(ctx, traceID, prompt, "", transportReason(ctx, err))
		return UnavailableFallback()
	}

	parsed, verr := g.gate.Validate(raw)

	call := audit.Call{
		TraceID:      traceID,
		Phase:        phase,
		Model:        g.model,
		Prompt:       prompt,
		RawOutput:    raw,
		PolicyStatus: audit.StatusAccepted,
	}
	if verr != nil {
		call.PolicyStatus = audit.StatusRejected
		call.PolicyError = verr.Error()
	} else if parsedJSON, merr := canonical.Marshal(parsed.Object); merr == nil {
		call.ParsedJSON = parsedJSON
	}

	auditID, aerr := g.audits.RecordCall(ctx, call)
	if aerr != nil {
		// The explanation is still usable; losing one audit row is the
		// accepted trade here. It is logged loudly instead.
		g.log.Error("AI audit write failed but continuing", "error", aerr)
		auditID = 0
	}

	if verr != nil {
		g.log.Warn("model output rejected by policy", "reason", verr.Error())
		return PolicyFallback()
	}

	if g.hypotheses != nil && auditID > 0 {
		n, herr := g.hypotheses.Persist(ctx, traceID, b.BeliefID, auditID, parsed.Object)
		if herr != nil {
			g.log.Error("hypothesis persist failed", "error", herr)
		} else if n > 0 {
			g.log.Info("hypotheses persisted", "count", n, "audit_id", auditID)
		}
	}

	return parsed
}

func (g *Gateway) recordRejected(ctx context.Context, traceID, prompt, raw, reason string) {
	_, err := g.audits.RecordCall(ctx, audit.Call{
		TraceID:      traceID,
		Phase:        phase,
		Model:        g.model,
		Prompt:       prompt,
		RawOutput:    raw,
		PolicyStatus: audit.StatusRejected,
		PolicyError:  reason,
	})
	if err != nil {
		g.log.Error("AI audit write failed but continuing", "error", err)
	}
}

// transportReason collapses deadline failures to the stable "timeout"
// marker so audits stay greppable; other transport errors keep their text.
func transportReason(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return "timeout"
	}
	return err.Error()
}
