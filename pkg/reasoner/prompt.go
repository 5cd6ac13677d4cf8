package reasoner

import (
	"fmt"

	"github.com/vsenthil7/voxcortex/pkg/belief"
	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/policy"
)

// promptTemplate is the fixed Phase-1 contract with the model. The belief
// and evidence are embedded as canonical JSON so identical inputs always
// hash to the same prompt_hash in the audit trail.
const promptTemplate = `You are a reasoning component.

RULES:
- NO actions
- NO tools
- NO DB instructions
- JSON ONLY (no markdown)

Required JSON:
{
  "explanation": "...",
  "confidence_language": { "level": "...", "calibration": "..." },
  "evidence_ids": ["..."],
  "what_would_change_my_mind": ["..."]
}

Context:
belief = %s
evidence = %s
belief_id = "%s"
trace_id = "%s"

Return ONLY JSON.`

// BuildPrompt renders the Phase-1 prompt for one belief/evidence pair.
func BuildPrompt(traceID string, b belief.Belief, ev Evidence) (string, error) {
	beliefJSON, err := canonical.MarshalString(b)
	if err != nil {
		return "", fmt.Errorf("encode belief: %w", err)
	}
	evidenceJSON, err := canonical.MarshalString(ev)
	if err != nil {
		return "", fmt.Errorf("encode evidence: %w", err)
	}
	return fmt.Sprintf(promptTemplate, beliefJSON, evidenceJSON, b.BeliefID, traceID), nil
}

// PolicyFallback replaces model output the gate rejected.
func PolicyFallback() *policy.ValidatedExplanation {
	return fallback(
		"Model output rejected by policy",
		map[string]any{"level": "unknown", "calibration": "blocked"},
		[]string{"Return valid Phase-1 JSON"},
	)
}

// UnavailableFallback replaces output the model never produced: transport
// failures, timeouts, and rate-limit aborts.
func UnavailableFallback() *policy.ValidatedExplanation {
	return fallback(
		"deferred due to upstream rate limits",
		map[string]any{"level": "unknown", "calibration": "unavailable"},
		[]string{"Retry once the upstream model responds"},
	)
}

func fallback(explanation string, confidenceLanguage map[string]any, changeMyMind []string) *policy.ValidatedExplanation {
	return &policy.ValidatedExplanation{
		Explanation:           explanation,
		ConfidenceLanguage:    confidenceLanguage,
		EvidenceIDs:           []string{},
		WhatWouldChangeMyMind: changeMyMind,
		Object: map[string]any{
			"explanation":               explanation,
			"confidence_language":       confidenceLanguage,
			"evidence_ids":              []string{},
			"what_would_change_my_mind": changeMyMind,
		},
	}
}
