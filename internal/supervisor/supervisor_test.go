package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loykin/mcprun/internal/crashpolicy"
	"github.com/loykin/mcprun/internal/modectl"
	"github.com/loykin/mcprun/internal/unit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scriptedEntry(t *testing.T, name string, command []string) *Entry {
	t.Helper()
	u := unit.New(unit.Spec{
		Name:       name,
		Kind:       unit.Scripted,
		ProjectDir: t.TempDir(),
		Command:    command,
	})
	return &Entry{
		Unit:   u,
		Policy: crashpolicy.New(0, 10*time.Millisecond, 20*time.Millisecond),
	}
}

func TestBootSpawnsScriptedUnit(t *testing.T) {
	s := New(testLogger(), modectl.New(time.Hour))
	e := scriptedEntry(t, "demo", []string{"/bin/sh", "-c", "sleep 30"})
	s.Register(e)

	s.Boot()
	defer s.Shutdown()
	defer e.Unit.Stop()

	if e.Unit.State() != unit.Running {
		t.Fatalf("expected Running after boot, got %v", e.Unit.State())
	}
}

func TestMonitorRespawnsAfterCrash(t *testing.T) {
	s := New(testLogger(), modectl.New(time.Hour))
	e := scriptedEntry(t, "demo", []string{"/bin/sh", "-c", "exit 1"})
	s.Register(e)

	s.Boot()
	defer s.Shutdown()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("expected a respawned child to crash again (crash count 2)")
		default:
		}
		// The boot child crashes once; a second crash can only come from a
		// child the monitor respawned.
		if e.Policy.CrashCount() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMonitorSkipsRestartOnManualFlag(t *testing.T) {
	s := New(testLogger(), modectl.New(time.Hour))
	e := scriptedEntry(t, "demo", []string{"/bin/sh", "-c", "sleep 30"})
	s.Register(e)

	s.Boot()
	defer s.Shutdown()

	e.Unit.SetManualRestart(true)
	e.Unit.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	<-ctx.Done()

	if e.Policy.CrashCount() != 0 {
		t.Fatalf("manual restart must not be recorded as a crash, got count %d", e.Policy.CrashCount())
	}
}
