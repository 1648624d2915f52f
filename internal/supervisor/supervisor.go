// Package supervisor wires units, crash policy, the mode controller, and the
// builder together: one monitor goroutine per unit plus a global mode
// watcher, matching the boot-then-monitor shape the RPC surface and CLI
// drive.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/mcprun/internal/builder"
	"github.com/loykin/mcprun/internal/crashpolicy"
	"github.com/loykin/mcprun/internal/metrics"
	"github.com/loykin/mcprun/internal/modectl"
	"github.com/loykin/mcprun/internal/unit"
)

// modeCheckInterval is the mode-watcher's polling cadence (C3).
const modeCheckInterval = time.Minute

// Entry bundles everything the supervisor tracks for a single manifest unit.
type Entry struct {
	Unit    *unit.Unit
	Policy  *crashpolicy.Policy
	Builder *builder.Builder // nil for Scripted units
}

// Supervisor owns every unit for the process lifetime and drives the
// crash-monitor and mode-watcher goroutines.
type Supervisor struct {
	log    *slog.Logger
	mode   *modectl.Controller
	mu     sync.RWMutex
	units  map[string]*Entry
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Supervisor with no units yet registered; call Register for
// each manifest unit before Boot.
func New(log *slog.Logger, mode *modectl.Controller) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		log:    log,
		mode:   mode,
		units:  make(map[string]*Entry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a unit under the supervisor's management. Call before Boot.
func (s *Supervisor) Register(e *Entry) {
	s.mu.Lock()
	s.units[e.Unit.Name()] = e
	s.mu.Unlock()
}

// Get returns the entry for name, or nil if unknown.
func (s *Supervisor) Get(name string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units[name]
}

// All returns a snapshot of every registered entry.
func (s *Supervisor) All() map[string]*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Entry, len(s.units))
	for k, v := range s.units {
		out[k] = v
	}
	return out
}

// Boot builds (Native) then spawns every registered unit, then starts one
// monitor goroutine per unit plus the global mode watcher.
func (s *Supervisor) Boot() {
	release := s.mode.Mode() == modectl.Release

	for name, e := range s.All() {
		if err := s.buildAndSpawn(e, release); err != nil {
			s.log.Error("failed to start unit at boot", "unit", name, "err", err)
			continue
		}
		metrics.UnitStarts.WithLabelValues(name).Inc()
	}

	for _, e := range s.All() {
		go s.monitor(e)
	}
	go s.watchMode()
}

// buildAndSpawn builds a Native unit's artifact (no-op for Scripted) and
// spawns it.
func (s *Supervisor) buildAndSpawn(e *Entry, release bool) error {
	artifact := ""
	if e.Unit.Kind() == unit.Native {
		a, err := e.Builder.Build(release, e.Unit.Build)
		if err != nil {
			return err
		}
		artifact = a
	}
	return e.Unit.Spawn(artifact)
}

// monitor implements C6's per-unit loop: wait for exit, skip a manual
// restart, else apply crash-policy backoff and rebuild/respawn.
func (s *Supervisor) monitor(e *Entry) {
	name := e.Unit.Name()
	for {
		code := e.Unit.WaitForExit(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if e.Unit.IsManualRestart() {
			// The restart RPC handler owns respawning; nothing to do here.
			continue
		}

		metrics.UnitCrashes.WithLabelValues(name).Inc()
		s.log.Warn("unit crashed", "unit", name, "exit_code", code)

		mode := toCrashMode(s.mode.Mode())
		delay := e.Policy.NextDelay(mode)
		s.log.Info("waiting before restart", "unit", name, "delay", delay, "crash_count", e.Policy.CrashCount())
		time.Sleep(delay)

		release := s.mode.Mode() == modectl.Release
		if err := s.buildAndSpawn(e, release); err != nil {
			s.log.Error("failed to restart crashed unit", "unit", name, "err", err)
			metrics.BuildTotal.WithLabelValues(name, profileLabel(release), "failure").Inc()
			continue
		}
		metrics.BuildTotal.WithLabelValues(name, profileLabel(release), "success").Inc()
		metrics.UnitStarts.WithLabelValues(name).Inc()
		metrics.UnitRestarts.WithLabelValues(name, "auto").Inc()
	}
}

// watchMode implements C6's global mode watcher: once a minute, ask the
// controller whether to flip back to Release, and if so rebuild every
// Native unit in release profile.
func (s *Supervisor) watchMode() {
	ticker := time.NewTicker(modeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.mode.ShouldFlipToRelease() {
				continue
			}
			s.mode.SwitchToRelease()
			metrics.ModeFlips.Inc()
			metrics.Mode.Set(0)
			s.log.Info("switching to release mode")

			for name, e := range s.All() {
				if e.Unit.Kind() != unit.Native {
					continue
				}
				e.Unit.Stop()
				if err := s.buildAndSpawn(e, true); err != nil {
					s.log.Error("failed to rebuild unit on mode flip", "unit", name, "err", err)
					metrics.BuildTotal.WithLabelValues(name, "release", "failure").Inc()
					continue
				}
				metrics.BuildTotal.WithLabelValues(name, "release", "success").Inc()
				metrics.UnitStarts.WithLabelValues(name).Inc()
			}
		}
	}
}

// Shutdown cancels monitor goroutines. It does not stop running children;
// the process exits with them per the spec's no-persistence design.
func (s *Supervisor) Shutdown() {
	s.cancel()
}

func toCrashMode(m modectl.Mode) crashpolicy.Mode {
	if m == modectl.Dev {
		return crashpolicy.Dev
	}
	return crashpolicy.Release
}

func profileLabel(release bool) string {
	if release {
		return "release"
	}
	return "debug"
}
