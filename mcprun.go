// Package mcprun is the embedding facade: boot a Supervisor for a project
// directory and serve its RPC surface.
package mcprun

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loykin/mcprun/internal/builder"
	"github.com/loykin/mcprun/internal/crashpolicy"
	"github.com/loykin/mcprun/internal/manifest"
	"github.com/loykin/mcprun/internal/metrics"
	"github.com/loykin/mcprun/internal/modectl"
	"github.com/loykin/mcprun/internal/obslog"
	"github.com/loykin/mcprun/internal/rpc"
	"github.com/loykin/mcprun/internal/supervisor"
	"github.com/loykin/mcprun/internal/unit"
	"github.com/prometheus/client_golang/prometheus"
)

// Supervisor is the top-level embeddable handle: a booted process
// supervisor plus its RPC server.
type Supervisor struct {
	sup  *supervisor.Supervisor
	mode *modectl.Controller
	log  *slog.Logger
	reg  *prometheus.Registry

	ManifestPort int
}

// New loads the manifest at projectDir, registers every unit with a new
// supervisor, and returns a Supervisor ready for Run. Nothing is built or
// spawned until Run.
func New(projectDir string) (*Supervisor, error) {
	m, err := manifest.Load(projectDir)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}

	log := obslog.New(projectDir)
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		log.Warn("metrics registration failed", "err", err)
	}

	mode := modectl.New(m.DevTimeout)
	sup := supervisor.New(log, mode)

	for name, pc := range m.Process {
		kind := rpc.ManifestKind(manifest.ProcessType(pc.Type))
		u := unit.New(unit.Spec{
			Name:       name,
			Kind:       kind,
			ProjectDir: projectDir,
			Args:       pc.Args,
			Command:    pc.Command,
			Env:        pc.Env,
		})
		entry := &supervisor.Entry{
			Unit:   u,
			Policy: crashpolicy.New(m.DevCrashWait, m.ReleaseBackoffInitial, m.ReleaseBackoffMax),
		}
		if kind == unit.Native {
			entry.Builder = builder.New(projectDir)
		}
		sup.Register(entry)
	}

	return &Supervisor{sup: sup, mode: mode, log: log, reg: reg, ManifestPort: m.McpPort}, nil
}

// Run boots every unit, starts the monitor and mode-watcher goroutines, and
// blocks serving the RPC surface on the manifest's configured port.
func (s *Supervisor) Run() error {
	s.sup.Boot()
	addr := fmt.Sprintf(":%d", s.ManifestPort)
	srv := rpc.NewServer(addr, s.sup, s.mode, s.log, s.reg)
	s.log.Info("rpc server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rpc server: %w", err)
	}
	return nil
}
