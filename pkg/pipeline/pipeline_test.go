package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsenthil7/voxcortex/pkg/belief"
	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/evidence"
	"github.com/vsenthil7/voxcortex/pkg/hypothesis"
	"github.com/vsenthil7/voxcortex/pkg/policy"
	"github.com/vsenthil7/voxcortex/pkg/reasoner"
)

// pipeEnv implements every orchestrator dependency and records call order.
type pipeEnv struct {
	order []string

	receipt     evidence.Receipt
	snapErr     error
	snapTrace   string
	snapPayload map[string]any

	expl         *policy.ValidatedExplanation
	explBelief   belief.Belief
	explEvidence reasoner.Evidence

	saveErr     error
	savedBelief belief.Belief
	savedDelta  belief.Delta
	savedJSON   []byte

	promo    *hypothesis.Promotion
	promoErr error

	auditErr     error
	auditTrace   string
	auditActor   string
	auditAction  string
	auditDetails map[string]any
}

func (e *pipeEnv) Snapshot(_ context.Context, traceID string, payload map[string]any) (evidence.Receipt, error) {
	e.order = append(e.order, "snapshot")
	e.snapTrace = traceID
	e.snapPayload = payload
	if e.snapErr != nil {
		return evidence.Receipt{}, e.snapErr
	}
	return e.receipt, nil
}

func (e *pipeEnv) Explain(_ context.Context, _ string, b belief.Belief, ev reasoner.Evidence) *policy.ValidatedExplanation {
	e.order = append(e.order, "explain")
	e.explBelief = b
	e.explEvidence = ev
	return e.expl
}

func (e *pipeEnv) SaveOutcome(_ context.Context, b belief.Belief, d belief.Delta, explanationJSON []byte) error {
	e.order = append(e.order, "save")
	e.savedBelief = b
	e.savedDelta = d
	e.savedJSON = explanationJSON
	return e.saveErr
}

func (e *pipeEnv) PromoteLatest(_ context.Context, _, _ string) (*hypothesis.Promotion, error) {
	e.order = append(e.order, "promote")
	return e.promo, e.promoErr
}

func (e *pipeEnv) Append(_ context.Context, traceID, actor, action string, details map[string]any) error {
	e.order = append(e.order, "audit")
	e.auditTrace = traceID
	e.auditActor = actor
	e.auditAction = action
	e.auditDetails = details
	return e.auditErr
}

func testExplanation() *policy.ValidatedExplanation {
	obj := map[string]any{
		"explanation":         "Latency spike consistent with an incident.",
		"confidence_language": map[string]any{"level": "moderate", "calibration": "heuristic"},
		"evidence_ids":        []any{"evd_1"},
		"what_would_change_my_mind": []any{
			"Latency returning to baseline",
		},
	}
	return &policy.ValidatedExplanation{
		Explanation:           "Latency spike consistent with an incident.",
		ConfidenceLanguage:    map[string]any{"level": "moderate", "calibration": "heuristic"},
		EvidenceIDs:           []string{"evd_1"},
		WhatWouldChangeMyMind: []string{"Latency returning to baseline"},
		Object:                obj,
	}
}

func newEnv() *pipeEnv {
	return &pipeEnv{
		receipt: evidence.Receipt{
			EvidenceID: "evd_1",
			SHA256:     "deadbeef",
			Signature:  "sig-1",
			SigMode:    evidence.SigModeSHA256,
		},
		expl: testExplanation(),
	}
}

func newOrchestrator(env *pipeEnv) *Orchestrator {
	return New(Config{
		Evidence: env,
		Reasoner: env,
		Promoter: env,
		Store:    env,
		Audit:    env,
	})
}

func testEvent() CanonicalEvent {
	return CanonicalEvent{
		EventID:    "evt_1",
		TraceID:    "trc_1",
		Source:     "datadog",
		EventType:  "alert",
		OccurredAt: "2026-02-01T10:00:00Z",
		Severity:   "high",
		Normalized: map[string]any{
			"service":  "api-gateway",
			"region":   "eu-west-2",
			"message":  "Latency spike",
			"raw_keys": []any{"message", "region", "service"},
		},
	}
}

func TestProcessHighSeverity(t *testing.T) {
	env := newEnv()
	env.promo = &hypothesis.Promotion{
		TraceID:      "trc_1",
		BeliefID:     "blf_x",
		HypothesisID: 7,
		Decision:     hypothesis.DecisionHold,
		Reason:       "0.60<=confidence<0.85",
		Confidence:   0.7,
	}

	out, err := newOrchestrator(env).Process(context.Background(), testEvent())
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, []string{"snapshot", "explain", "save", "promote", "audit"}, env.order)

	// Derivations.
	assert.Equal(t, "service/api-gateway", env.savedBelief.Subject)
	assert.Equal(t, "Potential incident affecting service/api-gateway", env.savedBelief.Hypothesis)
	assert.InDelta(t, 0.595, env.savedBelief.Confidence, 1e-9)
	assert.InDelta(t, 0.35, env.savedDelta.FromConf, 1e-9)
	assert.Equal(t, "deterministic_update(prior=0.35, signal=0.7)", env.savedDelta.Reason)

	// Snapshot got the full canonical event payload.
	assert.Equal(t, "trc_1", env.snapTrace)
	assert.Equal(t, map[string]any{
		"event_id":    "evt_1",
		"trace_id":    "trc_1",
		"source":      "datadog",
		"event_type":  "alert",
		"occurred_at": "2026-02-01T10:00:00Z",
		"severity":    "high",
		"normalized": map[string]any{
			"service":  "api-gateway",
			"region":   "eu-west-2",
			"message":  "Latency spike",
			"raw_keys": []any{"message", "region", "service"},
		},
	}, env.snapPayload)

	// Reasoner saw the belief that was persisted and the snapshot receipt.
	assert.Equal(t, env.savedBelief.BeliefID, env.explBelief.BeliefID)
	assert.Equal(t, "evd_1", env.explEvidence.EvidenceID)
	assert.Equal(t, "deadbeef", env.explEvidence.SHA256)
	assert.Equal(t, env.snapPayload, env.explEvidence.Payload)

	// Explanation stored in canonical form.
	want, err := canonical.Marshal(testExplanation().Object)
	require.NoError(t, err)
	assert.Equal(t, want, env.savedJSON)

	// Closing audit entry.
	assert.Equal(t, "trc_1", env.auditTrace)
	assert.Equal(t, "phase0_worker", env.auditActor)
	assert.Equal(t, "phase0_complete", env.auditAction)
	assert.Equal(t, "evt_1", env.auditDetails["event_id"])
	assert.Equal(t, env.savedBelief.BeliefID, env.auditDetails["belief_id"])
	assert.Equal(t, "evd_1", env.auditDetails["evidence_id"])
	assert.Equal(t, "deadbeef", env.auditDetails["evidence_sha256"])
	assert.Equal(t, "sig-1", env.auditDetails["signature"])
	assert.Equal(t, map[string]any{
		"decision":      "HOLD",
		"hypothesis_id": int64(7),
		"reason":        "0.60<=confidence<0.85",
	}, env.auditDetails["promotion"])

	// Outcome mirrors what was written.
	assert.Equal(t, "evt_1", out.EventID)
	assert.Equal(t, env.savedBelief.BeliefID, out.BeliefID)
	assert.Equal(t, "evd_1", out.EvidenceID)
	assert.Equal(t, "deadbeef", out.EvidenceSHA256)
	assert.InDelta(t, 0.595, out.Confidence, 1e-9)
	assert.Equal(t, env.promo, out.Promotion)
	assert.Equal(t, env.expl, out.Explanation)
}

func TestProcessLowSeverity(t *testing.T) {
	env := newEnv()
	ev := testEvent()
	ev.Severity = "warning"

	_, err := newOrchestrator(env).Process(context.Background(), ev)
	require.NoError(t, err)
	assert.InDelta(t, 0.49, env.savedBelief.Confidence, 1e-9)
	assert.Equal(t, "deterministic_update(prior=0.35, signal=0.4)", env.savedDelta.Reason)
}

func TestProcessCriticalSeverityCaseInsensitive(t *testing.T) {
	env := newEnv()
	ev := testEvent()
	ev.Severity = "CRITICAL"

	_, err := newOrchestrator(env).Process(context.Background(), ev)
	require.NoError(t, err)
	assert.InDelta(t, 0.595, env.savedBelief.Confidence, 1e-9)
}

func TestProcessUnknownService(t *testing.T) {
	env := newEnv()
	ev := testEvent()
	ev.Normalized = map[string]any{"region": "eu-west-2"}

	_, err := newOrchestrator(env).Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "service/unknown", env.savedBelief.Subject)
	assert.Equal(t, "Potential incident affecting service/unknown", env.savedBelief.Hypothesis)
}

func TestProcessEmptyTraceRejected(t *testing.T) {
	env := newEnv()
	ev := testEvent()
	ev.TraceID = "  "

	out, err := newOrchestrator(env).Process(context.Background(), ev)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty trace_id")
	assert.Empty(t, env.order)
}

func TestProcessSnapshotFailureAborts(t *testing.T) {
	env := newEnv()
	env.snapErr = errors.New("connection reset")

	out, err := newOrchestrator(env).Process(context.Background(), testEvent())
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot evidence")
	assert.Equal(t, []string{"snapshot"}, env.order)
}

func TestProcessSaveFailureSkipsPromotion(t *testing.T) {
	env := newEnv()
	env.saveErr = errors.New("disk full")

	out, err := newOrchestrator(env).Process(context.Background(), testEvent())
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save outcome")
	assert.Equal(t, []string{"snapshot", "explain", "save"}, env.order)
}

func TestProcessPromoteFailureAborts(t *testing.T) {
	env := newEnv()
	env.promoErr = errors.New("deadlock detected")

	out, err := newOrchestrator(env).Process(context.Background(), testEvent())
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promote hypothesis")
	assert.Equal(t, []string{"snapshot", "explain", "save", "promote"}, env.order)
}

func TestProcessAuditFailureAborts(t *testing.T) {
	env := newEnv()
	env.auditErr = errors.New("relation missing")

	out, err := newOrchestrator(env).Process(context.Background(), testEvent())
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append audit log")
}

func TestProcessNoPromotionOmitsDetails(t *testing.T) {
	env := newEnv()
	env.promo = nil

	out, err := newOrchestrator(env).Process(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Nil(t, out.Promotion)
	_, present := env.auditDetails["promotion"]
	assert.False(t, present, "promotion key should be absent when nothing was promoted")
}

func TestCanonicalEventAsMapStable(t *testing.T) {
	ev := CanonicalEvent{EventID: "evt_2", TraceID: "trc_2", Source: "pagerduty", EventType: "incident"}
	m := ev.AsMap()

	// Optional fields are always present so hashes stay stable.
	assert.Equal(t, "", m["severity"])
	assert.Equal(t, "", m["occurred_at"])
	assert.Equal(t, map[string]any{}, m["normalized"])

	h1, err := canonical.Hash(m)
	require.NoError(t, err)
	h2, err := canonical.Hash(ev.AsMap())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestServiceFallback(t *testing.T) {
	assert.Equal(t, "unknown", CanonicalEvent{}.Service())
	assert.Equal(t, "unknown", CanonicalEvent{Normalized: map[string]any{"service": ""}}.Service())
	assert.Equal(t, "billing", CanonicalEvent{Normalized: map[string]any{"service": "billing"}}.Service())
}
