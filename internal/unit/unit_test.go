package unit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/mcprun/internal/logring"
)

func testSpec(t *testing.T, command []string) Spec {
	t.Helper()
	return Spec{
		Name:       "demo",
		Kind:       Scripted,
		ProjectDir: t.TempDir(),
		Command:    command,
	}
}

func TestSpawnTransitionsToRunningAndAppendsStartedEvent(t *testing.T) {
	u := New(testSpec(t, []string{"/bin/sh", "-c", "sleep 0.2"}))

	if err := u.Spawn(""); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if u.State() != Running {
		t.Fatalf("expected Running, got %v", u.State())
	}
	if u.StartedAt().IsZero() {
		t.Fatalf("expected start timestamp to be set")
	}
	events := u.RecentEvents(5)
	if len(events) != 1 || events[0].Kind != Started {
		t.Fatalf("expected one Started event, got %v", events)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u.WaitForExit(ctx)
}

func TestCrashAppendsCrashedEventWhenManualFlagClear(t *testing.T) {
	u := New(testSpec(t, []string{"/bin/sh", "-c", "exit 3"}))
	if err := u.Spawn(""); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code := u.WaitForExit(ctx)

	if u.State() != Crashed {
		t.Fatalf("expected Crashed, got %v", u.State())
	}
	if code == nil || *code != 3 {
		t.Fatalf("expected exit code 3, got %v", code)
	}
	events := u.RecentEvents(5)
	if len(events) != 2 || events[0].Kind != CrashedEvent {
		t.Fatalf("expected a CrashedEvent on top, got %v", events)
	}
}

func TestManualRestartFlagSuppressesCrashedEvent(t *testing.T) {
	u := New(testSpec(t, []string{"/bin/sh", "-c", "exit 1"}))
	u.SetManualRestart(true)
	if err := u.Spawn(""); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u.WaitForExit(ctx)

	if u.State() != Idle {
		t.Fatalf("expected Idle after manual-restart exit, got %v", u.State())
	}
	events := u.RecentEvents(5)
	if len(events) != 1 || events[0].Kind != Started {
		t.Fatalf("expected no Crashed event appended, got %v", events)
	}
}

func TestStopIsIdempotentOnIdleUnit(t *testing.T) {
	u := New(testSpec(t, []string{"/bin/sh", "-c", "true"}))
	u.Stop()
	u.Stop()
	if u.State() != Idle {
		t.Fatalf("expected Idle, got %v", u.State())
	}
}

func TestStopTerminatesRunningChild(t *testing.T) {
	u := New(testSpec(t, []string{"/bin/sh", "-c", "sleep 30"}))
	if err := u.Spawn(""); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		u.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatalf("stop did not return within the expected deadline")
	}
	if u.State() != Idle {
		t.Fatalf("expected Idle after stop, got %v", u.State())
	}
}

func TestSpawnAppliesManifestDeclaredEnvOverrides(t *testing.T) {
	spec := testSpec(t, []string{"/bin/sh", "-c", "echo $DEMO_VAR"})
	spec.Env = []string{"DEMO_VAR=hello-from-manifest"}
	u := New(spec)

	if err := u.Spawn(""); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u.WaitForExit(ctx)

	deadline := time.After(2 * time.Second)
	for {
		got := u.Logs.Search(logring.SearchOptions{})
		if len(got) > 0 && got[0] == "hello-from-manifest" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected the child's stdout to reflect the manifest env override, got %v", got)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestSpawnWrapsWithActivationPrefixWhenEnvrcPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".envrc"), []byte("use flake\n"), 0o644); err != nil {
		t.Fatalf("write .envrc: %v", err)
	}
	argv := buildArgv(dir, []string{"echo", "hi"})
	if len(argv) < 4 || argv[0] != "direnv" {
		t.Fatalf("expected an activation-wrapped argv, got %v", argv)
	}
}

func TestSpawnSkipsActivationPrefixWithoutEnvrc(t *testing.T) {
	dir := t.TempDir()
	argv := buildArgv(dir, []string{"echo", "hi"})
	if len(argv) != 2 || argv[0] != "echo" {
		t.Fatalf("expected unwrapped argv, got %v", argv)
	}
}
