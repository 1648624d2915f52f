package obslog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestColorTextHandlerPrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	h := newColorTextHandler(&buf, nil)
	logger := slog.New(h)
	logger.Info("hello")

	out := buf.String()
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "hello") {
		t.Fatalf("expected colored level and message in output, got %q", out)
	}
}

func TestMultiHandlerFansOutToEveryHandler(t *testing.T) {
	var bufA, bufB bytes.Buffer
	m := multiHandler{
		slog.NewTextHandler(&bufA, nil),
		slog.NewTextHandler(&bufB, nil),
	}
	logger := slog.New(m)
	logger.Info("fanned out")

	if !strings.Contains(bufA.String(), "fanned out") {
		t.Fatalf("expected handler A to receive the record")
	}
	if !strings.Contains(bufB.String(), "fanned out") {
		t.Fatalf("expected handler B to receive the record")
	}
}

func TestMultiHandlerEnabledIsAnyOf(t *testing.T) {
	m := multiHandler{
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	if !m.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected Enabled to be true when any handler accepts the level")
	}
}
