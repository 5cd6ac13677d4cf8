package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the minimal surface to a text-generation backend. Generate
// returns the raw model text; interpreting it is the gateway's job.
type Client interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// DefaultModel is used when no model is configured.
const DefaultModel = "models/gemini-2.5-flash"

// stubOutput is returned when no API key is configured, so the whole
// pipeline stays runnable offline. It is shaped to pass the policy gate.
const stubOutput = `{"explanation":"STUB: Gemini API key not configured. Returning deterministic explanation.","confidence_language":{"tone":"uncertain","markers":["stub_mode"]},"evidence_ids":[],"what_would_change_my_mind":["Configure GEMINI_API_KEY and replay incident."]}`

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

func NewGeminiClient(apiKey string) *GeminiClient {
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig geminiGeneration `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGeneration struct {
	ResponseMIMEType string `json:"response_mime_type"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate sends the prompt and returns the first candidate's text. When
// the response carries no text part, the raw body is returned instead and
// left for the policy gate to reject.
func (c *GeminiClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if c.apiKey == "" {
		return stubOutput, nil
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, strings.TrimPrefix(model, "models/"), url.QueryEscape(c.apiKey))

	body, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGeneration{ResponseMIMEType: "application/json"},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini error: %d: %s", resp.StatusCode, excerpt(raw))
	}

	var gr geminiResponse
	if err := json.Unmarshal(raw, &gr); err == nil {
		for _, cand := range gr.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					return part.Text, nil
				}
			}
		}
	}
	return string(raw), nil
}

func excerpt(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
