// Package policy validates raw model output before anything downstream is
// allowed to read it. The gate enforces a strict response shape and rejects
// any output that carries action, tooling, or data-store language — the
// model explains, it never instructs.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
)

// Violation is the single failure type for every gate rejection. The Reason
// is stable text persisted verbatim into the call audit.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string { return v.Reason }

// ValidatedExplanation is a model response that passed the gate. Object
// holds the full parsed payload (with the string coercions applied) for
// persistence; the named fields are the typed view.
type ValidatedExplanation struct {
	Explanation           string
	ConfidenceLanguage    map[string]interface{}
	EvidenceIDs           []string
	WhatWouldChangeMyMind []string
	Object                map[string]interface{}
}

// requiredKeys in declaration order. Violation reasons must name the first
// offending key deterministically, so order matters.
var requiredKeys = []string{
	"explanation",
	"confidence_language",
	"evidence_ids",
	"what_would_change_my_mind",
}

const responseSchema = `{
  "type": "object",
  "required": ["explanation", "confidence_language", "evidence_ids", "what_would_change_my_mind"],
  "properties": {
    "explanation": {"type": "string"},
    "confidence_language": {"type": "object"},
    "evidence_ids": {"type": "array"},
    "what_would_change_my_mind": {"type": "array"}
  }
}`

// Disallowed language groups, scanned over the entire lowercased raw output
// rather than the extracted JSON, so instructions smuggled into prose around
// the object are caught too.
var disallowedPatterns = []string{
	`\b(run|execute|delete|drop|insert|update|commit)\b`,
	`\b(psql|sql|database|db|postgres|pg_)\b`,
	`\b(curl|wget|pip install|apt-get)\b`,
	`\b(call tool|use tool|invoke)\b`,
	`\b(write to|save to)\b`,
}

var (
	fenceOpenRE  = regexp.MustCompile(`^` + "```" + `[a-zA-Z0-9_-]*\s*`)
	fenceCloseRE = regexp.MustCompile(`\s*` + "```" + `$`)
	objectRE     = regexp.MustCompile(`(?s)\{.*\}`)
)

// Gate holds the compiled response schema and disallowed-language rules.
// Construct once and share; Validate is safe for concurrent use.
type Gate struct {
	schema *jsonschema.Schema
	rules  []rule
}

type rule struct {
	expr string
	re   *regexp.Regexp
}

// NewGate compiles the Phase-1 response contract.
func NewGate() *Gate {
	rules := make([]rule, 0, len(disallowedPatterns))
	for _, p := range disallowedPatterns {
		rules = append(rules, rule{expr: p, re: regexp.MustCompile(p)})
	}
	return &Gate{
		schema: jsonschema.MustCompileString("phase1_response.json", responseSchema),
		rules:  rules,
	}
}

// Validate checks raw model output against the Phase-1 policy and returns
// the parsed explanation. Every failure is a *Violation; the gate never
// returns a partially validated result.
func (g *Gate) Validate(raw string) (*ValidatedExplanation, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &Violation{Reason: "Empty model output"}
	}

	candidate, err := extractObject(raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, &Violation{Reason: fmt.Sprintf("Output is not valid JSON: %v", err)}
	}

	obj, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, &Violation{Reason: "JSON must be an object"}
	}

	if err := g.schema.Validate(obj); err != nil {
		return nil, &Violation{Reason: structureReason(obj)}
	}

	// Coerce list elements to strings and write them back so the persisted
	// object matches what callers see.
	evidenceIDs := stringSlice(obj["evidence_ids"].([]interface{}))
	changeMyMind := stringSlice(obj["what_would_change_my_mind"].([]interface{}))
	obj["evidence_ids"] = evidenceIDs
	obj["what_would_change_my_mind"] = changeMyMind

	// Disallowed language scan over the whole raw output, not only the JSON.
	low := strings.ToLower(raw)
	for _, r := range g.rules {
		if r.re.MatchString(low) {
			return nil, &Violation{Reason: "Disallowed content detected by pattern: " + r.expr}
		}
	}

	return &ValidatedExplanation{
		Explanation:           obj["explanation"].(string),
		ConfidenceLanguage:    obj["confidence_language"].(map[string]interface{}),
		EvidenceIDs:           evidenceIDs,
		WhatWouldChangeMyMind: changeMyMind,
		Object:                obj,
	}, nil
}

// extractObject strips code fences and pulls the outermost {...} span out of
// raw, tolerating prose before and after the object.
func extractObject(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = fenceOpenRE.ReplaceAllString(s, "")
		s = fenceCloseRE.ReplaceAllString(s, "")
		s = strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s, nil
	}
	if m := objectRE.FindString(s); m != "" {
		return m, nil
	}
	return "", &Violation{Reason: "Output does not contain a JSON object"}
}

// structureReason renders the stable reason for a schema failure: the first
// missing key in declaration order, then the first wrongly typed key.
func structureReason(obj map[string]interface{}) string {
	for _, k := range requiredKeys {
		if _, ok := obj[k]; !ok {
			return "Missing required key: " + k
		}
	}
	if _, ok := obj["explanation"].(string); !ok {
		return "explanation must be a string"
	}
	if _, ok := obj["confidence_language"].(map[string]interface{}); !ok {
		return "confidence_language must be an object"
	}
	if _, ok := obj["evidence_ids"].([]interface{}); !ok {
		return "evidence_ids must be a list"
	}
	if _, ok := obj["what_would_change_my_mind"].([]interface{}); !ok {
		return "what_would_change_my_mind must be a list"
	}
	return "Output violates response schema"
}

func stringSlice(items []interface{}) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, Stringify(it))
	}
	return out
}

// Stringify renders a decoded JSON value as a flat string: strings pass
// through, numbers keep their source text, composites fall back to
// canonical JSON.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		s, err := canonical.MarshalString(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return s
	}
}
