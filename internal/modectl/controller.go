// Package modectl tracks the supervisor's dev/release run mode and the
// client-inactivity timer that drives the automatic flip back to release.
package modectl

import (
	"sync"
	"time"
)

// Mode is the supervisor's current run mode.
type Mode int

const (
	// Release is the default boot mode: crash backoff active from the first
	// crash, unit rebuilds are gated normally.
	Release Mode = iota
	// Dev is entered on demand and flips back to Release after a period of
	// client inactivity.
	Dev
)

func (m Mode) String() string {
	if m == Dev {
		return "dev"
	}
	return "release"
}

// Controller is safe for concurrent use.
type Controller struct {
	mu           sync.RWMutex
	mode         Mode
	lastToolCall time.Time
	devTimeout   time.Duration

	now func() time.Time
}

// New returns a Controller booted in Release mode, with the inactivity
// timeout that governs automatic dev-to-release flips.
func New(devTimeout time.Duration) *Controller {
	return &Controller{
		mode:         Release,
		lastToolCall: time.Now(),
		devTimeout:   devTimeout,
		now:          time.Now,
	}
}

// RecordToolCall marks the current instant as the most recent client
// activity, resetting the inactivity timer.
func (c *Controller) RecordToolCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastToolCall = c.now()
}

// Mode returns the current run mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// ShouldFlipToRelease reports whether the controller is in Dev mode and the
// inactivity timeout has elapsed since the last recorded tool call.
func (c *Controller) ShouldFlipToRelease() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mode == Release {
		return false
	}
	return c.now().Sub(c.lastToolCall) > c.devTimeout
}

// SwitchToRelease flips the mode to Release.
func (c *Controller) SwitchToRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = Release
}

// SwitchToDev flips the mode to Dev.
func (c *Controller) SwitchToDev() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = Dev
}

// TimeUntilRelease returns the remaining time before an automatic flip to
// Release, or zero if already in Release mode or the timeout has elapsed.
// The second return value is false only when already in Release mode.
func (c *Controller) TimeUntilRelease() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mode == Release {
		return 0, false
	}
	elapsed := c.now().Sub(c.lastToolCall)
	remaining := c.devTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
