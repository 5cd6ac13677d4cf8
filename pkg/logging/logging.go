// Package logging configures slog with the line format shared by every
// pipeline process:
//
//	ts level trace=<trace_id> <name> - <message> [k=v ...]
//
// The trace ID travels in the context; handlers read it back out so every
// record emitted while serving one event carries the same correlation ID.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type ctxKey struct{}

// WithTrace returns a context whose log records carry the given trace ID.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// TraceID extracts the trace ID previously stored with WithTrace.
// Records logged outside any pipeline run show "-".
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// Handler is a slog.Handler producing the single-line trace-aware format.
type Handler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	name  string
	attrs []slog.Attr
	group string
}

// NewHandler writes records at or above level to w. name identifies the
// component ("voxcortex.pipeline", "voxcortex.ingest", ...).
func NewHandler(w io.Writer, level slog.Leveler, name string) *Handler {
	if name == "" {
		name = "voxcortex"
	}
	return &Handler{mu: &sync.Mutex{}, w: w, level: level, name: name}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s trace=%s %s - %s",
		ts.UTC().Format(time.RFC3339),
		rec.Level.String(),
		TraceID(ctx),
		h.name,
		rec.Message,
	)

	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

// Setup installs the trace-aware handler as the process default and returns
// the logger. level accepts "debug", "info", "warn", "error" (default info).
func Setup(name, level string) *slog.Logger {
	logger := slog.New(NewHandler(os.Stderr, ParseLevel(level), name))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
