// Package logring implements the bounded, two-level line buffer used to
// capture a unit's stdio and a build's stdio: a ring of instances, each a
// ring of lines, with regex-and-context search.
package logring

import (
	"fmt"
	"regexp"
	"sync"
)

const (
	// MaxInstances is the number of retained Instances per Ring.
	MaxInstances = 10
	// MaxLinesPerInstance is the number of retained lines per Instance.
	MaxLinesPerInstance = 10000
)

// Instance is one contiguous run of captured lines between two spawns (or
// two builds, for build logs).
type Instance struct {
	lines []string
}

func newInstance() *Instance {
	return &Instance{lines: make([]string, 0, 64)}
}

func (in *Instance) append(line string) {
	if len(in.lines) >= MaxLinesPerInstance {
		in.lines = in.lines[1:]
	}
	in.lines = append(in.lines, line)
}

// Ring is a bounded ordered sequence of Instances.
type Ring struct {
	mu        sync.Mutex
	instances []*Instance
}

// New returns an empty Ring.
func New() *Ring { return &Ring{} }

// OpenInstance pushes a fresh empty instance, evicting the oldest if the
// ring is already at capacity.
func (r *Ring) OpenInstance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.instances) >= MaxInstances {
		r.instances = r.instances[1:]
	}
	r.instances = append(r.instances, newInstance())
}

// Append appends line to the most recent instance, opening one first if the
// ring has none.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.instances) == 0 {
		r.instances = append(r.instances, newInstance())
	}
	r.instances[len(r.instances)-1].append(line)
}

// resolveIndex implements the spec's signed-index addressing:
// -1 = most recent, -2 = next-most-recent, ...; 0 = oldest retained, 1 =
// next, .... Returns (nil, false) when out of range.
func (r *Ring) resolveIndex(index *int) (*Instance, bool) {
	n := len(r.instances)
	if n == 0 {
		return nil, false
	}
	idx := -1
	if index != nil {
		idx = *index
	}
	if idx < 0 {
		pos := -idx - 1 // -1 -> 0, -2 -> 1, ...
		if pos < 0 || pos >= n {
			return nil, false
		}
		return r.instances[n-1-pos], true
	}
	if idx >= n {
		return nil, false
	}
	return r.instances[idx], true
}

// SearchOptions bundles the parameters of Search.
type SearchOptions struct {
	Index   *int
	Pattern *string
	Context *int
	Head    *int
	Tail    *int
}

// Search resolves the target Instance by Index, then runs the match/context/
// format/slice pipeline described in the spec. It never returns an error:
// invalid regexes and out-of-range indices degrade to a single synthetic
// diagnostic line.
func (r *Ring) Search(opts SearchOptions) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.resolveIndex(opts.Index)
	if !ok {
		idx := -1
		if opts.Index != nil {
			idx = *opts.Index
		}
		return []string{fmt.Sprintf("Log instance %d not found (have %d instances)", idx, len(r.instances))}
	}
	return searchInstance(inst.lines, opts.Pattern, opts.Context, opts.Head, opts.Tail)
}

func searchInstance(lines []string, pattern *string, context, head, tail *int) []string {
	n := len(lines)
	c := 0
	if context != nil {
		c = *context
	}

	var result []string
	if pattern == nil {
		result = make([]string, n)
		copy(result, lines)
	} else {
		re, err := regexp.Compile(*pattern)
		if err != nil {
			return []string{fmt.Sprintf("Invalid regex pattern: %s", *pattern)}
		}

		matched := make([]bool, n)
		any := false
		for i, line := range lines {
			if re.MatchString(line) {
				matched[i] = true
				any = true
			}
		}
		if !any {
			return []string{"No matches found"}
		}

		included := make([]bool, n)
		for i, m := range matched {
			if !m {
				continue
			}
			start := i - c
			if start < 0 {
				start = 0
			}
			end := i + c + 1
			if end > n {
				end = n
			}
			for j := start; j < end; j++ {
				included[j] = true
			}
		}

		result = make([]string, 0, n)
		for i, line := range lines {
			if !included[i] {
				continue
			}
			marker := "   "
			if matched[i] {
				marker = " * "
			}
			result = append(result, marker+line)
		}
	}

	switch {
	case tail != nil:
		if *tail < len(result) {
			result = result[len(result)-*tail:]
		}
	case head != nil:
		if *head < len(result) {
			result = result[:*head]
		}
	}

	if len(result) == 0 {
		return []string{"(empty)"}
	}
	return result
}
