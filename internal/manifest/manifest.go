// Package manifest loads and validates a project's .mcp-run TOML manifest.
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// FileName is the manifest's fixed name within the project directory.
const FileName = ".mcp-run"

// ProcessType distinguishes a built-from-source unit from one that runs a
// fixed command.
type ProcessType string

const (
	TypeRust ProcessType = "rust"
	TypeNpm  ProcessType = "npm"
)

// ProcessConfig is one `[process.<name>]` table.
type ProcessConfig struct {
	Type    string   `mapstructure:"type"`
	Args    []string `mapstructure:"args"`
	Command []string `mapstructure:"command"`
	Env     []string `mapstructure:"env"` // "KEY=VALUE" overrides layered onto the OS environment
}

// raw mirrors the manifest's TOML shape for viper decoding.
type raw struct {
	McpPort                        int                      `mapstructure:"mcp_port"`
	DevTimeoutHours                uint64                   `mapstructure:"dev_timeout_hours"`
	DevCrashWaitSeconds            uint64                   `mapstructure:"dev_crash_wait_seconds"`
	ReleaseCrashBackoffInitialSecs uint64                   `mapstructure:"release_crash_backoff_initial_seconds"`
	ReleaseCrashBackoffMaxSeconds  uint64                   `mapstructure:"release_crash_backoff_max_seconds"`
	Process                        map[string]ProcessConfig `mapstructure:"process"`
}

// Manifest is the validated, defaulted configuration for one project.
type Manifest struct {
	McpPort               int
	DevTimeout            time.Duration
	DevCrashWait          time.Duration
	ReleaseBackoffInitial time.Duration
	ReleaseBackoffMax     time.Duration
	Process               map[string]ProcessConfig
}

const (
	defaultDevTimeoutHours       = 3
	defaultDevCrashWaitSeconds   = 120
	defaultBackoffInitialSeconds = 1
	defaultBackoffMaxSeconds     = 300
)

// Load reads and validates <projectDir>/.mcp-run.
func Load(projectDir string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(projectDir, FileName))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	r, err := decodeTo[raw](v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	return fromRaw(r)
}

// decodeTo decodes a viper settings map into T via mapstructure directly,
// tolerating TOML's loosely-typed integers and string/[]string coercions.
func decodeTo[T any](m map[string]interface{}) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

func fromRaw(r raw) (*Manifest, error) {
	if len(r.Process) == 0 {
		return nil, fmt.Errorf("manifest: at least one [process.<name>] table is required")
	}

	m := &Manifest{
		McpPort:               r.McpPort,
		DevTimeout:            durationOrDefault(r.DevTimeoutHours, defaultDevTimeoutHours) * time.Hour,
		DevCrashWait:          durationOrDefault(r.DevCrashWaitSeconds, defaultDevCrashWaitSeconds) * time.Second,
		ReleaseBackoffInitial: durationOrDefault(r.ReleaseCrashBackoffInitialSecs, defaultBackoffInitialSeconds) * time.Second,
		ReleaseBackoffMax:     durationOrDefault(r.ReleaseCrashBackoffMaxSeconds, defaultBackoffMaxSeconds) * time.Second,
		Process:               make(map[string]ProcessConfig, len(r.Process)),
	}

	for name, pc := range r.Process {
		pc.Type = strings.ToLower(strings.TrimSpace(pc.Type))
		switch ProcessType(pc.Type) {
		case TypeRust:
		case TypeNpm:
			if len(pc.Command) == 0 {
				return nil, fmt.Errorf("manifest: process %q is scripted but declares an empty command", name)
			}
		default:
			return nil, fmt.Errorf("manifest: process %q has unknown type %q", name, pc.Type)
		}
		m.Process[name] = pc
	}

	return m, nil
}

func durationOrDefault(v uint64, def uint64) time.Duration {
	if v == 0 {
		return time.Duration(def)
	}
	return time.Duration(v)
}
