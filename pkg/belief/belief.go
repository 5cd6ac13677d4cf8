// Package belief implements the deterministic belief revision rule at the
// heart of the pipeline. It is intentionally pure: no I/O, no randomness
// beyond minting the revision ID, so the same inputs always produce the
// same confidence and the same delta reason.
package belief

import (
	"fmt"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/identity"
)

// SignalCoefficient scales an observation's signal strength before it is
// added to the prior. Confidence moves by at most ±0.35 per event.
const SignalCoefficient = 0.35

// DefaultPrior is the starting confidence for a subject the pipeline has
// not reasoned about before.
const DefaultPrior = 0.35

// Evidence reference kinds.
const (
	KindEvent    = "event"
	KindSnapshot = "snapshot"
	KindExternal = "external"
)

// EvidenceRef ties a belief to one piece of supporting evidence. Pointer
// holds kind-specific lookup keys (for KindEvent, the originating event id).
type EvidenceRef struct {
	EvidenceID string            `json:"evidence_id"`
	Kind       string            `json:"kind"`
	Pointer    map[string]string `json:"pointer"`
}

// Belief is one revision of the system's confidence in a hypothesis about
// a subject. Revisions are immutable: every update mints a new BeliefID
// rather than mutating an earlier row.
type Belief struct {
	BeliefID   string        `json:"belief_id"`
	TraceID    string        `json:"trace_id"`
	Subject    string        `json:"subject"`
	Hypothesis string        `json:"hypothesis"`
	Confidence float64       `json:"confidence"`
	Evidence   []EvidenceRef `json:"evidence"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// EvidenceIDs flattens the evidence refs to their ids, the form the belief
// row persists.
func (b Belief) EvidenceIDs() []string {
	ids := make([]string, 0, len(b.Evidence))
	for _, ref := range b.Evidence {
		ids = append(ids, ref.EvidenceID)
	}
	return ids
}

// Delta records the confidence transition that produced a Belief, with a
// machine-parseable reason naming the exact inputs.
type Delta struct {
	BeliefID  string    `json:"belief_id"`
	TraceID   string    `json:"trace_id"`
	FromConf  float64   `json:"from_conf"`
	ToConf    float64   `json:"to_conf"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Update applies the revision rule
//
//	to_conf = clamp(prior + SignalCoefficient*signal, 0, 1)
//
// and returns the new Belief plus the Delta describing the transition.
// The belief and delta share a single timestamp so downstream writes can
// be ordered deterministically.
func Update(subject, traceID, hypothesis string, prior, signal float64, evidenceID string) (Belief, Delta) {
	now := time.Now().UTC()
	toConf := Clamp(prior + SignalCoefficient*signal)

	b := Belief{
		BeliefID:   identity.NewBelief(),
		TraceID:    traceID,
		Subject:    subject,
		Hypothesis: hypothesis,
		Confidence: toConf,
		Evidence: []EvidenceRef{{
			EvidenceID: evidenceID,
			Kind:       KindEvent,
			Pointer:    map[string]string{"event_id": evidenceID},
		}},
		UpdatedAt: now,
	}
	d := Delta{
		BeliefID:  b.BeliefID,
		TraceID:   traceID,
		FromConf:  prior,
		ToConf:    toConf,
		Reason:    fmt.Sprintf("deterministic_update(prior=%g, signal=%g)", prior, signal),
		CreatedAt: now,
	}
	return b, d
}

// Clamp bounds a confidence value to [0, 1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
