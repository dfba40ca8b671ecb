// Package scan defines the scan session domain: targets, options, lifecycle
// states and the read-only snapshots handed out to callers.
package scan

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a scan session.
type State int

const (
	StatePending State = iota
	StateRunning
	StateStopping
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	"pending", "running", "stopping", "completed", "failed", "cancelled",
}

// String returns the lower-case state name.
func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsTerminal reports whether no further transitions may leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if s.String() == "unknown" {
		return nil, fmt.Errorf("scan: unknown state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState returns the state with the given (case-insensitive) name.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("scan: unknown state %q", name)
}

// Options is the configuration snapshot captured when a session is created.
// It is passed by value and never mutated afterwards.
type Options struct {
	SkipPorts  bool   `json:"skip_ports" yaml:"skip_ports"`
	SkipFuzz   bool   `json:"skip_fuzz" yaml:"skip_fuzz"`
	SkipSQLi   bool   `json:"skip_sqli" yaml:"skip_sqli"`
	SkipParamX bool   `json:"skip_paramx" yaml:"skip_paramx"`
	Verbose    bool   `json:"verbose" yaml:"verbose"`
	WebhookURL string `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// Snapshot is an immutable, point-in-time copy of a session. Output shares
// its backing array with the live log; entries below len(Output) are never
// rewritten, so the slice is safe to read without locks.
type Snapshot struct {
	ID        string     `json:"session_id" yaml:"session_id"`
	Target    Target     `json:"target" yaml:"target"`
	State     State      `json:"state" yaml:"state"`
	Options   Options    `json:"options" yaml:"options"`
	StartedAt time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt   *time.Time `json:"ended_at" yaml:"ended_at"`
	Output    []string   `json:"output" yaml:"output"`
	Error     *string    `json:"error" yaml:"error"`
}

// Elapsed returns the session run time, measured up to now while the session
// is still active.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// OutputText joins the output log into newline separated text.
func (s Snapshot) OutputText() string {
	return strings.Join(s.Output, "\n")
}
