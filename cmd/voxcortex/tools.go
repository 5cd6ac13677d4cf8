package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/bus"
	"github.com/vsenthil7/voxcortex/pkg/config"
	"github.com/vsenthil7/voxcortex/pkg/evidence"
	"github.com/vsenthil7/voxcortex/pkg/logging"
	"github.com/vsenthil7/voxcortex/pkg/pipeline"
	"github.com/vsenthil7/voxcortex/pkg/store"
	"github.com/vsenthil7/voxcortex/pkg/store/lite"
	"github.com/vsenthil7/voxcortex/pkg/voice"
)

// runDemoCmd pushes one fixture event through the full pipeline and prints
// the outcome. The fixture is fixed, so re-running against the same store
// dedups the evidence snapshot instead of minting a new one.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	trace := cmd.String("trace", "trc_demo", "trace id for the fixture event")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	b, err := newBackend(ctx, "phase0_worker")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer b.Close()

	ev := pipeline.CanonicalEvent{
		EventID:    "evt_demo",
		TraceID:    *trace,
		Source:     "demo",
		EventType:  "alert",
		OccurredAt: "2026-02-01T10:00:00Z",
		Severity:   "high",
		Normalized: map[string]any{
			"message":  "Latency spike on api-gateway",
			"service":  "api-gateway",
			"region":   "eu-west-2",
			"raw_keys": []string{"message", "region", "service"},
		},
	}

	fmt.Fprintf(stdout, "%sVoxCortex demo: processing %s on trace %s%s\n",
		ColorBold+ColorBlue, ev.EventID, ev.TraceID, ColorReset)

	out, err := b.pipe.Process(ctx, ev)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

// runSpeakCmd renders the newest explanation for a trace to audio, with
// prosody derived from the belief's confidence.
func runSpeakCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("speak", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	trace := cmd.String("trace", "", "trace id to narrate")
	out := cmd.String("out", "explanation.mp3", "output audio file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *trace == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: voxcortex speak --trace <id> [--out file.mp3]")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	b, err := newBackend(ctx, "voiceio")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer b.Close()

	expl, err := b.explanations.LatestExplanation(ctx, *trace)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if expl == nil {
		fmt.Fprintf(stderr, "Error: no explanation recorded for trace %s\n", *trace)
		return 1
	}

	text, _ := expl.Object["explanation"].(string)
	if text == "" {
		text = "No explanation is available for this incident."
	}

	speaker := voice.NewSpeaker(b.cfg.ElevenLabsAPIKey, b.cfg.ElevenLabsVoiceID)
	audio, err := speaker.Speak(ctx, text, expl.Confidence)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := os.WriteFile(*out, audio, 0600); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	prosody := voice.ProsodyFor(expl.Confidence)
	fmt.Fprintf(stdout, "%s✅ Narrated %s (confidence %.2f, %s) to %s (%d bytes)%s\n",
		ColorGreen, *trace, expl.Confidence, prosody.Tone, *out, len(audio), ColorReset)
	return 0
}

// pipelineTables is every table the schema creates; doctor verifies all of
// them exist before reporting row counts.
var pipelineTables = []string{
	"events", "evidence_snapshots", "evidence_provenance",
	"beliefs", "belief_deltas", "ai_call_audit",
	"hypotheses", "belief_promotions", "explanations", "audit_log",
}

// runDoctorCmd implements `voxcortex doctor` — system health check.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Check 1: Go runtime
	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	// Check 2: configuration and persistence mode
	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		mode := "postgres"
		if cfg.UseLite() {
			mode = fmt.Sprintf("lite mode (%s)", cfg.LitePath)
		}
		results = append(results, checkResult{Name: "config", Status: "ok", Detail: mode})

		// Check 3: database connectivity, schema, and pipeline row counts
		db, dbStatus, dbDetail := doctorDB(ctx, cfg)
		results = append(results, checkResult{Name: "database", Status: dbStatus, Detail: dbDetail})
		if dbStatus == "fail" {
			allOK = false
		}
		if db != nil {
			defer func() { _ = db.Close() }()
			if missing := missingTables(ctx, db, cfg.UseLite()); len(missing) > 0 {
				results = append(results, checkResult{
					Name:   "schema",
					Status: "fail",
					Detail: fmt.Sprintf("missing tables: %v (run voxcortex migrate)", missing),
				})
				allOK = false
			} else {
				results = append(results, checkResult{
					Name:   "schema",
					Status: "ok",
					Detail: fmt.Sprintf("all %d tables present", len(pipelineTables)),
				})
				for _, table := range []string{"ai_call_audit", "hypotheses", "belief_promotions"} {
					var n int64
					if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
						results = append(results, checkResult{Name: table, Status: "fail", Detail: err.Error()})
						allOK = false
						continue
					}
					results = append(results, checkResult{
						Name:   table,
						Status: "ok",
						Detail: fmt.Sprintf("%d rows", n),
					})
				}
			}
		}

		// Check 4: reasoner and narration credentials
		if cfg.GeminiAPIKey == "" {
			results = append(results, checkResult{
				Name:   "gemini_api_key",
				Status: "warn",
				Detail: "GEMINI_API_KEY not set (reasoner returns stub output)",
			})
		} else {
			results = append(results, checkResult{Name: "gemini_api_key", Status: "ok", Detail: "set"})
		}
		if cfg.ElevenLabsAPIKey == "" || cfg.ElevenLabsVoiceID == "" {
			results = append(results, checkResult{
				Name:   "elevenlabs",
				Status: "warn",
				Detail: "ELEVENLABS_API_KEY/VOICE_ID not set (speak falls back to stub audio)",
			})
		} else {
			results = append(results, checkResult{Name: "elevenlabs", Status: "ok", Detail: "set"})
		}
		if cfg.SigningKeyB64 == "" {
			results = append(results, checkResult{
				Name:   "evidence_signing",
				Status: "warn",
				Detail: "EVIDENCE_SIGNING_KEY_B64 not set (signatures degrade to content hashes)",
			})
		} else {
			results = append(results, checkResult{Name: "evidence_signing", Status: "ok", Detail: "hmac"})
		}

		// Check 5: event bus, only when the deployment routes through it
		if cfg.EnablePubSub {
			queue := bus.New(cfg.RedisAddr, cfg.QueueName,
				slog.New(logging.NewHandler(io.Discard, slog.LevelError, "doctor")))
			pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
			err := queue.Ping(pingCtx)
			pingCancel()
			_ = queue.Close()
			if err != nil {
				results = append(results, checkResult{Name: "redis", Status: "fail", Detail: err.Error()})
				allOK = false
			} else {
				results = append(results, checkResult{Name: "redis", Status: "ok", Detail: cfg.RedisAddr})
			}
		}
	}

	// Print results
	fmt.Fprintf(stdout, "\n%sVoxCortex Doctor%s\n", ColorBold+ColorPurple, ColorReset)
	fmt.Fprintln(stdout, "────────────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed. The pipeline is ready.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}

// doctorDB opens the configured database for read-only checks and reports
// the connectivity verdict. Lite mode never creates the file here; a
// missing database is a warn, not a mutation.
func doctorDB(ctx context.Context, cfg *config.Config) (*sql.DB, string, string) {
	if cfg.UseLite() {
		if _, err := os.Stat(cfg.LitePath); err != nil {
			return nil, "warn", fmt.Sprintf("%s does not exist (created on first run)", cfg.LitePath)
		}
		db, err := sql.Open("sqlite", cfg.LitePath)
		if err == nil {
			err = db.PingContext(ctx)
		}
		if err != nil {
			if db != nil {
				_ = db.Close()
			}
			return nil, "fail", err.Error()
		}
		return db, "ok", cfg.LitePath
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, "fail", err.Error()
	}
	return db, "ok", "connected"
}

// missingTables diffs the live catalog against the tables the schema creates.
func missingTables(ctx context.Context, db *sql.DB, liteMode bool) []string {
	query := `SELECT tablename FROM pg_tables WHERE schemaname = 'public'`
	if liteMode {
		query = `SELECT name FROM sqlite_master WHERE type = 'table'`
	}

	present := make(map[string]bool, len(pipelineTables))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return pipelineTables
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return pipelineTables
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return pipelineTables
	}

	var missing []string
	for _, t := range pipelineTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// runMigrateCmd applies the embedded schema to the configured database.
func runMigrateCmd(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.UseLite() {
		signer, err := evidence.NewSigner(cfg.SigningKeyB64)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		ls, err := lite.Open(cfg.LitePath, signer)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_ = ls.Close()
		fmt.Fprintf(stdout, "%s✅ Schema applied to %s%s\n", ColorGreen, cfg.LitePath, ColorReset)
		return 0
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := store.Migrate(ctx, db); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s✅ Schema applied to postgres%s\n", ColorGreen, ColorReset)
	return 0
}
