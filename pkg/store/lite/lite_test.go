package lite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsenthil7/voxcortex/pkg/audit"
	"github.com/vsenthil7/voxcortex/pkg/belief"
	"github.com/vsenthil7/voxcortex/pkg/evidence"
	"github.com/vsenthil7/voxcortex/pkg/hypothesis"
	"github.com/vsenthil7/voxcortex/pkg/ingest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "voxcortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "voxcortex.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.DB().Ping())
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxcortex.db")

	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.SaveEvent(context.Background(), ingest.EventRecord{
		EventID: "evt_1", TraceID: "trc_1", Source: "datadog", EventType: "alert",
		OccurredAt: "2026-01-01T00:00:00Z", RawPayload: []byte(`{}`), Normalized: []byte(`{}`),
		CreatedAt: time.Now(),
	}))
	require.NoError(t, s1.Close())

	// Reopening applies the schema again without clobbering data.
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, 1, countRows(t, s2, "events"))
}

func TestSaveEvent(t *testing.T) {
	s := openTestStore(t)

	rec := ingest.EventRecord{
		EventID:    "evt_1",
		TraceID:    "trc_1",
		Source:     "datadog",
		EventType:  "alert",
		OccurredAt: "2026-01-01T00:00:00Z",
		Severity:   "high",
		RawPayload: []byte(`{"a":1}`),
		Normalized: []byte(`{"service":"checkout"}`),
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}
	require.NoError(t, s.SaveEvent(context.Background(), rec))

	var source, severity, raw string
	require.NoError(t, s.DB().QueryRow(
		"SELECT source, severity, raw_payload FROM events WHERE event_id = ?", "evt_1",
	).Scan(&source, &severity, &raw))
	assert.Equal(t, "datadog", source)
	assert.Equal(t, "high", severity)
	assert.Equal(t, `{"a":1}`, raw)
}

func TestSaveEventEmptySeverityStoresNull(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveEvent(context.Background(), ingest.EventRecord{
		EventID: "evt_1", TraceID: "trc_1", Source: "datadog", EventType: "alert",
		OccurredAt: "2026-01-01T00:00:00Z", RawPayload: []byte(`{}`), Normalized: []byte(`{}`),
		CreatedAt: time.Now(),
	}))

	var severity sql.NullString
	require.NoError(t, s.DB().QueryRow(
		"SELECT severity FROM events WHERE event_id = ?", "evt_1",
	).Scan(&severity))
	assert.False(t, severity.Valid)
}

func TestSnapshotIsIdempotentBySHA(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	payload := map[string]any{"service": "checkout", "latency_ms": "1250"}

	r1, err := s.Snapshot(ctx, "trc_1", payload)
	require.NoError(t, err)
	require.NotEmpty(t, r1.EvidenceID)
	require.Len(t, r1.SHA256, 64)
	assert.Equal(t, evidence.SigModeSHA256, r1.SigMode)

	r2, err := s.Snapshot(ctx, "trc_2", payload)
	require.NoError(t, err)
	assert.Equal(t, r1.EvidenceID, r2.EvidenceID)
	assert.Equal(t, r1.SHA256, r2.SHA256)

	assert.Equal(t, 1, countRows(t, s, "evidence_snapshots"))
	assert.Equal(t, 1, countRows(t, s, "evidence_provenance"))

	// The replay refreshed the owning trace.
	var trace string
	require.NoError(t, s.DB().QueryRow(
		"SELECT trace_id FROM evidence_snapshots WHERE evidence_id = ?", r1.EvidenceID,
	).Scan(&trace))
	assert.Equal(t, "trc_2", trace)
}

func TestSnapshotDistinctPayloads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r1, err := s.Snapshot(ctx, "trc_1", map[string]any{"n": "1"})
	require.NoError(t, err)
	r2, err := s.Snapshot(ctx, "trc_1", map[string]any{"n": "2"})
	require.NoError(t, err)

	assert.NotEqual(t, r1.EvidenceID, r2.EvidenceID)
	assert.NotEqual(t, r1.SHA256, r2.SHA256)
	assert.Equal(t, 2, countRows(t, s, "evidence_snapshots"))
}

func TestSnapshotHMACWhenKeyed(t *testing.T) {
	signer, err := evidence.NewSigner(base64.StdEncoding.EncodeToString([]byte("test-key")))
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "voxcortex.db"), signer)
	require.NoError(t, err)
	defer s.Close()

	r, err := s.Snapshot(context.Background(), "trc_1", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, evidence.SigModeHMAC, r.SigMode)
	assert.True(t, signer.Verify(r.EvidenceID, r.SHA256, r.Signature))
}

func TestGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	payload := map[string]any{"service": "checkout", "region": "eu-west-1"}

	r, err := s.Snapshot(ctx, "trc_1", payload)
	require.NoError(t, err)

	rec, err := s.Get(ctx, r.EvidenceID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, r.EvidenceID, rec.EvidenceID)
	assert.Equal(t, "trc_1", rec.TraceID)
	assert.Equal(t, r.SHA256, rec.SHA256)
	assert.Equal(t, payload, rec.Payload)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestGetUnknownID(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Get(context.Background(), "evd_missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecordCall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.RecordCall(ctx, audit.Call{
		TraceID: "trc_1", Phase: "phase0", Model: "gemini-1.5-flash",
		Prompt: "prompt one", RawOutput: `{"ok":true}`,
		ParsedJSON: []byte(`{"ok":true}`), PolicyStatus: audit.StatusAccepted,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)

	id2, err := s.RecordCall(ctx, audit.Call{
		TraceID: "trc_1", Phase: "phase0", Model: "gemini-1.5-flash",
		Prompt: "prompt two", RawOutput: "not json",
		PolicyStatus: audit.StatusRejected, PolicyError: "invalid JSON",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), id2)

	// The rejected row keeps raw output but no parsed JSON.
	var parsed sql.NullString
	var policyErr string
	require.NoError(t, s.DB().QueryRow(
		"SELECT parsed_json, policy_error FROM ai_call_audit WHERE id = ?", id2,
	).Scan(&parsed, &policyErr))
	assert.False(t, parsed.Valid)
	assert.Equal(t, "invalid JSON", policyErr)

	// The prompt itself is never stored whole.
	var hash, preview string
	require.NoError(t, s.DB().QueryRow(
		"SELECT prompt_hash, prompt_preview FROM ai_call_audit WHERE id = ?", id1,
	).Scan(&hash, &preview))
	assert.Equal(t, audit.HashPrompt("prompt one"), hash)
	assert.Equal(t, "prompt one", preview)
}

func TestAppendAndListByTrace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "trc_1", "signalmesh", "ingest", map[string]any{"event_id": "evt_1"}))
	require.NoError(t, s.Append(ctx, "trc_1", "phase0_worker", "phase0_complete", nil))
	require.NoError(t, s.Append(ctx, "trc_2", "signalmesh", "ingest", map[string]any{"event_id": "evt_2"}))

	entries, err := s.ListByTrace(ctx, "trc_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "signalmesh", entries[0].Actor)
	assert.Equal(t, "ingest", entries[0].Action)
	assert.Equal(t, map[string]any{"event_id": "evt_1"}, entries[0].Details)
	assert.Equal(t, "phase0_worker", entries[1].Actor)
	assert.Equal(t, map[string]any{}, entries[1].Details)
	assert.False(t, entries[0].CreatedAt.After(entries[1].CreatedAt))

	empty, err := s.ListByTrace(ctx, "trc_unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPersistDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	auditID, err := s.RecordCall(ctx, audit.Call{
		TraceID: "trc_1", Phase: "phase0", Model: "gemini-1.5-flash",
		Prompt: "p", RawOutput: "{}", PolicyStatus: audit.StatusAccepted,
	})
	require.NoError(t, err)

	validated := map[string]any{
		"hypotheses": []any{
			map[string]any{"hypothesis": "db pool exhausted", "confidence": 0.92, "evidence_ids": []any{"evd_1"}},
			map[string]any{"hypothesis": "cache stampede", "confidence": 0.4},
		},
		"evidence_ids": []any{"evd_1"},
	}

	n, err := s.Persist(ctx, "trc_1", "blf_1", auditID, validated)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Replaying the same accepted response inserts nothing new.
	n, err = s.Persist(ctx, "trc_1", "blf_1", auditID, validated)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, countRows(t, s, "hypotheses"))
}

func TestPersistNoCandidates(t *testing.T) {
	s := openTestStore(t)

	n, err := s.Persist(context.Background(), "trc_1", "blf_1", 1, map[string]any{"explanation": "nothing actionable"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, countRows(t, s, "hypotheses"))
}

func TestPromoteLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	auditID, err := s.RecordCall(ctx, audit.Call{
		TraceID: "trc_1", Phase: "phase0", Model: "gemini-1.5-flash",
		Prompt: "p", RawOutput: "{}", PolicyStatus: audit.StatusAccepted,
	})
	require.NoError(t, err)

	_, err = s.Persist(ctx, "trc_1", "blf_1", auditID, map[string]any{
		"hypothesis": "db pool exhausted", "confidence": 0.92, "evidence_ids": []any{"evd_1"},
	})
	require.NoError(t, err)

	p, err := s.PromoteLatest(ctx, "trc_1", "blf_1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, hypothesis.DecisionPromote, p.Decision)
	assert.Equal(t, "confidence>=0.85", p.Reason)
	assert.Equal(t, auditID, p.AICallAuditID)
	assert.Equal(t, []string{"evd_1"}, p.EvidenceIDs)
	assert.InDelta(t, 0.92, p.Confidence, 1e-9)

	// Promoting again records nothing new but returns the same decision.
	p2, err := s.PromoteLatest(ctx, "trc_1", "blf_1")
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.Equal(t, p.Decision, p2.Decision)
	assert.Equal(t, p.HypothesisID, p2.HypothesisID)
	assert.Equal(t, 1, countRows(t, s, "belief_promotions"))
}

func TestPromoteLatestNoHypothesis(t *testing.T) {
	s := openTestStore(t)

	p, err := s.PromoteLatest(context.Background(), "trc_1", "blf_1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPromoteLatestNullConfidenceRejects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	auditID, err := s.RecordCall(ctx, audit.Call{
		TraceID: "trc_1", Phase: "phase0", Model: "gemini-1.5-flash",
		Prompt: "p", RawOutput: "{}", PolicyStatus: audit.StatusAccepted,
	})
	require.NoError(t, err)

	_, err = s.Persist(ctx, "trc_1", "blf_1", auditID, map[string]any{"hypothesis": "speculative"})
	require.NoError(t, err)

	p, err := s.PromoteLatest(ctx, "trc_1", "blf_1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, hypothesis.DecisionReject, p.Decision)
	assert.Zero(t, p.Confidence)
	assert.Equal(t, []string{}, p.EvidenceIDs)
}

func TestPromoteLatestPicksNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	auditID, err := s.RecordCall(ctx, audit.Call{
		TraceID: "trc_1", Phase: "phase0", Model: "gemini-1.5-flash",
		Prompt: "p", RawOutput: "{}", PolicyStatus: audit.StatusAccepted,
	})
	require.NoError(t, err)

	_, err = s.Persist(ctx, "trc_1", "blf_1", auditID, map[string]any{"hypothesis": "first guess", "confidence": 0.3})
	require.NoError(t, err)
	_, err = s.Persist(ctx, "trc_1", "blf_1", auditID, map[string]any{"hypothesis": "refined guess", "confidence": 0.7})
	require.NoError(t, err)

	p, err := s.PromoteLatest(ctx, "trc_1", "blf_1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, hypothesis.DecisionHold, p.Decision)
	assert.InDelta(t, 0.7, p.Confidence, 1e-9)
}

func TestSaveOutcomeAndLatestExplanation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b, d := belief.Update("service/checkout", "trc_1", "Potential incident affecting service/checkout", 0.35, 0.7, "evt_1")
	explanation := []byte(`{"confidence_language":"moderate","explanation":"latency spike"}`)
	require.NoError(t, s.SaveOutcome(ctx, b, d, explanation))

	te, err := s.LatestExplanation(ctx, "trc_1")
	require.NoError(t, err)
	require.NotNil(t, te)
	assert.Equal(t, b.BeliefID, te.BeliefID)
	assert.Equal(t, "trc_1", te.TraceID)
	assert.InDelta(t, b.Confidence, te.Confidence, 1e-9)
	assert.Equal(t, map[string]any{
		"confidence_language": "moderate",
		"explanation":         "latency spike",
	}, te.Object)
}

func TestSaveOutcomeUpsertsBeliefRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b, d := belief.Update("service/checkout", "trc_1", "Potential incident affecting service/checkout", 0.35, 0.4, "evt_1")
	require.NoError(t, s.SaveOutcome(ctx, b, d, []byte(`{}`)))

	// Rewriting the same revision with a corrected confidence keeps one row.
	b.Confidence = 0.9
	require.NoError(t, s.SaveOutcome(ctx, b, d, []byte(`{}`)))

	assert.Equal(t, 1, countRows(t, s, "beliefs"))
	var conf float64
	require.NoError(t, s.DB().QueryRow(
		"SELECT confidence FROM beliefs WHERE belief_id = ?", b.BeliefID,
	).Scan(&conf))
	assert.InDelta(t, 0.9, conf, 1e-9)
}

func TestLatestExplanationPicksNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b1, d1 := belief.Update("service/checkout", "trc_1", "Potential incident affecting service/checkout", 0.35, 0.4, "evt_1")
	require.NoError(t, s.SaveOutcome(ctx, b1, d1, []byte(`{"explanation":"first"}`)))

	b2, d2 := belief.Update("service/checkout", "trc_1", "Potential incident affecting service/checkout", 0.49, 0.7, "evt_2")
	require.NoError(t, s.SaveOutcome(ctx, b2, d2, []byte(`{"explanation":"second"}`)))

	te, err := s.LatestExplanation(ctx, "trc_1")
	require.NoError(t, err)
	require.NotNil(t, te)
	assert.Equal(t, b2.BeliefID, te.BeliefID)
	assert.Equal(t, "second", te.Object["explanation"])
}

func TestLatestExplanationUnknownTrace(t *testing.T) {
	s := openTestStore(t)

	te, err := s.LatestExplanation(context.Background(), "trc_unknown")
	require.NoError(t, err)
	assert.Nil(t, te)
}
