// Package unit implements a single managed process: its state machine,
// stdio capture into a logring.Ring, and the stop/spawn/wait-for-exit
// protocol the supervisor drives each unit through.
package unit

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/mcprun/internal/env"
	"github.com/loykin/mcprun/internal/logring"
)

// State is one of the three states a Unit can be in.
type State int

const (
	Idle State = iota
	Running
	Crashed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	default:
		return "idle"
	}
}

// Kind distinguishes units built from source (Native) from units that run a
// manifest-supplied command directly (Scripted).
type Kind int

const (
	Native Kind = iota
	Scripted
)

// EventKind tags an Event.
type EventKind int

const (
	Started EventKind = iota
	CrashedEvent
)

// Event is an immutable record of a state transition.
type Event struct {
	Kind     EventKind
	At       time.Time
	ExitCode *int
}

// maxEvents bounds the retained event log (I5).
const maxEvents = 1000

// Spec is the manifest-derived configuration for one unit.
type Spec struct {
	Name       string
	Kind       Kind
	ProjectDir string
	Args       []string // extra arguments appended after the artifact/command
	Command    []string // Scripted units only: the argv to run directly
	Env        []string // manifest-declared "KEY=VALUE" overrides for the child
}

// hasEnvrc reports whether the project directory carries an activation
// sentinel that should wrap the spawned command.
func hasEnvrc(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".envrc"))
	return err == nil
}

// Unit owns at most one live child process and the logs it produces.
type Unit struct {
	spec Spec

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	startedAt     time.Time
	manualRestart bool
	waitDone      chan struct{}
	readers       *sync.WaitGroup

	eventsMu sync.Mutex
	events   []Event

	Logs  *logring.Ring
	Build *logring.Ring
	Env   *env.Env
}

// New returns an Idle unit with fresh empty rings.
func New(spec Spec) *Unit {
	return &Unit{
		spec:  spec,
		state: Idle,
		Logs:  logring.New(),
		Build: logring.New(),
		Env:   env.New(),
	}
}

func (u *Unit) Name() string { return u.spec.Name }
func (u *Unit) Kind() Kind   { return u.spec.Kind }

// State returns the current state under lock.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// StartedAt returns the start timestamp recorded at the last successful
// spawn; zero if the unit has never run.
func (u *Unit) StartedAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.startedAt
}

func (u *Unit) appendEvent(e Event) {
	u.eventsMu.Lock()
	defer u.eventsMu.Unlock()
	if len(u.events) >= maxEvents {
		u.events = u.events[1:]
	}
	u.events = append(u.events, e)
}

// RecentEvents returns up to n of the most recent events, most-recent-first.
func (u *Unit) RecentEvents(n int) []Event {
	u.eventsMu.Lock()
	defer u.eventsMu.Unlock()
	if n > len(u.events) {
		n = len(u.events)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = u.events[len(u.events)-1-i]
	}
	return out
}

// SetManualRestart sets or clears the flag the supervisor uses to keep the
// crash monitor from treating a user-initiated stop as a crash.
func (u *Unit) SetManualRestart(v bool) {
	u.mu.Lock()
	u.manualRestart = v
	u.mu.Unlock()
}

func (u *Unit) IsManualRestart() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.manualRestart
}

// buildArgv composes the command line per the spec's activation-wrapping
// rule: when the project directory carries a .envrc, the real command is
// wrapped in an activation prefix.
func buildArgv(projectDir string, base []string) []string {
	if !hasEnvrc(projectDir) {
		return base
	}
	wrapped := append([]string{"direnv", "exec", projectDir}, base...)
	return wrapped
}

// Spawn starts the child for artifact (Native units) or the manifest
// command (Scripted units). Precondition: state = Idle or Crashed.
func (u *Unit) Spawn(artifact string) error {
	u.Logs.OpenInstance()

	var base []string
	switch u.spec.Kind {
	case Scripted:
		base = append([]string{}, u.spec.Command...)
	default:
		base = append([]string{artifact}, u.spec.Args...)
	}
	argv := buildArgv(u.spec.ProjectDir, base)

	// #nosec G204 -- argv is manifest-configured, not attacker input.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = u.spec.ProjectDir
	cmd.Env = u.Env.Merge(u.spec.Env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	waitDone := make(chan struct{})
	readers := &sync.WaitGroup{}
	readers.Add(2)

	u.mu.Lock()
	u.cmd = cmd
	u.waitDone = waitDone
	u.readers = readers
	u.startedAt = time.Now()
	u.state = Running
	u.mu.Unlock()

	logs := u.Logs
	go func() { defer readers.Done(); streamLines(stdout, logs, "") }()
	go func() { defer readers.Done(); streamLines(stderr, logs, "[stderr] ") }()

	u.appendEvent(Event{Kind: Started, At: u.startedAt})
	return nil
}

func streamLines(r io.Reader, ring *logring.Ring, prefix string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring.Append(prefix + scanner.Text())
	}
}

// Stop is idempotent and safe to call in any state. It never appends an
// event and always leaves the unit Idle.
func (u *Unit) Stop() {
	u.mu.Lock()
	cmd := u.cmd
	waitDone := u.waitDone
	u.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		u.mu.Lock()
		u.state = Idle
		u.mu.Unlock()
		return
	}

	terminate(cmd)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if waitDone != nil {
			select {
			case <-waitDone:
				u.mu.Lock()
				u.state = Idle
				u.mu.Unlock()
				return
			default:
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	forceKill(cmd)
	time.Sleep(500 * time.Millisecond)

	u.mu.Lock()
	u.state = Idle
	u.mu.Unlock()
}

// WaitForExit blocks until the child exits, then applies the manual-restart
// branch from the state machine. It returns the exit code, or nil if the
// child's status could not be determined.
func (u *Unit) WaitForExit(ctx context.Context) *int {
	u.mu.Lock()
	cmd := u.cmd
	readers := u.readers
	u.mu.Unlock()

	if cmd == nil {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		// cmd.Wait closes the stdio pipes, so both readers must reach EOF first.
		if readers != nil {
			readers.Wait()
		}
		errCh <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-errCh:
	case <-ctx.Done():
		return nil
	}

	u.mu.Lock()
	if u.waitDone != nil {
		close(u.waitDone)
		u.waitDone = nil
	}
	manual := u.manualRestart
	u.mu.Unlock()

	code := exitCode(waitErr)

	u.mu.Lock()
	if manual {
		u.state = Idle
	} else {
		u.state = Crashed
	}
	u.mu.Unlock()

	if !manual {
		u.appendEvent(Event{Kind: CrashedEvent, At: time.Now(), ExitCode: code})
	}
	return code
}

func exitCode(err error) *int {
	if err == nil {
		zero := 0
		return &zero
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		c := exitErr.ExitCode()
		return &c
	}
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
