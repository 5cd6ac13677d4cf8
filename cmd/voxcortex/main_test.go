package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearPipelineEnv pins every config knob to the lite-mode offline defaults
// so CLI tests never reach for Postgres, Redis, or external APIs.
func clearPipelineEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "ADMIN_PORT", "LOG_LEVEL", "DATABASE_URL",
		"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "ELEVENLABS_API_KEY", "ELEVENLABS_VOICE_ID",
		"EVIDENCE_SIGNING_KEY_B64", "ENABLE_PUBSUB", "VOXCORTEX_PROFILE",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("VOXCORTEX_DB_PATH", filepath.Join(t.TempDir(), "voxcortex.db"))
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"voxcortex", "version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "voxcortex "+version) {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"voxcortex", "help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	for _, want := range []string{"USAGE", "ingest", "worker", "doctor", "speak"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"voxcortex", "bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command: bogus") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestSpeakRequiresTrace(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"voxcortex", "speak"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "--trace") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

// TestLiteWorkflow drives migrate, doctor, demo, and speak against a scratch
// SQLite database, end to end and fully offline.
func TestLiteWorkflow(t *testing.T) {
	clearPipelineEnv(t)

	var stdout, stderr bytes.Buffer
	if code := Run([]string{"voxcortex", "migrate"}, &stdout, &stderr); code != 0 {
		t.Fatalf("migrate exit = %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Schema applied") {
		t.Errorf("migrate output = %q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := Run([]string{"voxcortex", "doctor"}, &stdout, &stderr); code != 0 {
		t.Fatalf("doctor exit = %d (output: %s)", code, stdout.String())
	}
	for _, want := range []string{"go_runtime", "lite mode", "all 10 tables present", "0 rows"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("doctor output missing %q in:\n%s", want, stdout.String())
		}
	}

	stdout.Reset()
	stderr.Reset()
	if code := Run([]string{"voxcortex", "demo"}, &stdout, &stderr); code != 0 {
		t.Fatalf("demo exit = %d (stderr: %s)", code, stderr.String())
	}
	out := stdout.String()
	jsonStart := strings.Index(out, "{")
	if jsonStart < 0 {
		t.Fatalf("demo printed no outcome JSON: %q", out)
	}
	var outcome map[string]any
	if err := json.Unmarshal([]byte(out[jsonStart:]), &outcome); err != nil {
		t.Fatalf("demo outcome is not JSON: %v\n%s", err, out)
	}
	if outcome["trace_id"] != "trc_demo" || outcome["event_id"] != "evt_demo" {
		t.Errorf("outcome ids = %v / %v", outcome["trace_id"], outcome["event_id"])
	}
	if conf, ok := outcome["confidence"].(float64); !ok || conf <= 0.35 {
		t.Errorf("confidence = %v, want > prior", outcome["confidence"])
	}
	sha, _ := outcome["evidence_sha256"].(string)
	if len(sha) != 64 {
		t.Errorf("evidence_sha256 = %q, want 64 hex chars", sha)
	}

	// Re-running the fixture dedups the snapshot: same content, same digest.
	stdout.Reset()
	stderr.Reset()
	if code := Run([]string{"voxcortex", "demo"}, &stdout, &stderr); code != 0 {
		t.Fatalf("second demo exit = %d (stderr: %s)", code, stderr.String())
	}
	second := stdout.String()
	var outcome2 map[string]any
	if err := json.Unmarshal([]byte(second[strings.Index(second, "{"):]), &outcome2); err != nil {
		t.Fatalf("second outcome is not JSON: %v", err)
	}
	if outcome2["evidence_id"] != outcome["evidence_id"] {
		t.Errorf("evidence_id changed across identical runs: %v vs %v",
			outcome["evidence_id"], outcome2["evidence_id"])
	}
	if outcome2["evidence_sha256"] != outcome["evidence_sha256"] {
		t.Errorf("digest changed across identical runs")
	}

	audioPath := filepath.Join(t.TempDir(), "out.mp3")
	stdout.Reset()
	stderr.Reset()
	if code := Run([]string{"voxcortex", "speak", "--trace", "trc_demo", "--out", audioPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("speak exit = %d (stderr: %s)", code, stderr.String())
	}
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		t.Fatalf("speak wrote no audio: %v", err)
	}
	if !strings.HasPrefix(string(audio), "STUB-AUDIO: ") {
		t.Errorf("audio = %q, want stub bytes without credentials", audio[:min(len(audio), 40)])
	}
}

func TestSpeakUnknownTrace(t *testing.T) {
	clearPipelineEnv(t)

	var stdout, stderr bytes.Buffer
	if code := Run([]string{"voxcortex", "migrate"}, &stdout, &stderr); code != 0 {
		t.Fatalf("migrate exit = %d", code)
	}

	stdout.Reset()
	stderr.Reset()
	code := Run([]string{"voxcortex", "speak", "--trace", "trc_missing", "--out",
		filepath.Join(t.TempDir(), "x.mp3")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "no explanation recorded") {
		t.Errorf("stderr = %q", stderr.String())
	}
}
