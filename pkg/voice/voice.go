// Package voice renders validated explanations as speech. Prosody follows
// the belief confidence so the delivery never sounds more certain than the
// system is.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prosody is the voice-setting bundle derived from confidence.
type Prosody struct {
	Stability float64 `json:"stability"`
	Style     float64 `json:"style"`
	Tone      string  `json:"tone"`
}

// ProsodyFor maps confidence onto delivery. Higher confidence speaks with
// less stability (more expressive range) and more style.
func ProsodyFor(confidence float64) Prosody {
	switch {
	case confidence >= 0.85:
		return Prosody{Stability: 0.70, Style: 0.25, Tone: "confident"}
	case confidence >= 0.60:
		return Prosody{Stability: 0.80, Style: 0.20, Tone: "measured"}
	default:
		return Prosody{Stability: 0.90, Style: 0.10, Tone: "uncertain"}
	}
}

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	modelID        = "eleven_multilingual_v2"
)

// Speaker synthesizes speech via ElevenLabs. Without credentials it stays
// usable: Speak returns a deterministic stub payload instead of audio.
type Speaker struct {
	apiKey  string
	voiceID string
	baseURL string
	hc      *http.Client
}

// NewSpeaker builds a Speaker. Empty apiKey or voiceID selects stub mode.
func NewSpeaker(apiKey, voiceID string) *Speaker {
	return &Speaker{
		apiKey:  apiKey,
		voiceID: voiceID,
		baseURL: defaultBaseURL,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Speak renders text as mp3 bytes with prosody derived from confidence.
func (s *Speaker) Speak(ctx context.Context, text string, confidence float64) ([]byte, error) {
	if s.apiKey == "" || s.voiceID == "" {
		return []byte("STUB-AUDIO: " + text), nil
	}

	p := ProsodyFor(confidence)
	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: voiceSettings{
			Stability:       p.Stability,
			SimilarityBoost: 0.85,
			Style:           p.Style,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", s.baseURL, s.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call elevenlabs: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs error: %d: %s", resp.StatusCode, excerpt(audio))
	}
	return audio, nil
}

func excerpt(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
