// Package report renders scan session snapshots for the command line.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/0x6d61/autoar/internal/scan"
)

// Reporter renders sessions in a specific format.
type Reporter interface {
	// Format returns the format name (e.g., "text", "json").
	Format() string

	// Session writes a single session, including its output log.
	Session(ctx context.Context, snap scan.Snapshot, w io.Writer) error

	// Sessions writes a list of sessions without their output.
	Sessions(ctx context.Context, snaps []scan.Snapshot, w io.Writer) error
}

// New creates a reporter by format name ("text", "json" or "yaml").
// The format name is case-insensitive.
func New(format string) (Reporter, error) {
	switch strings.ToLower(format) {
	case "text":
		return &TextReporter{}, nil
	case "json":
		return &JSONReporter{}, nil
	case "yaml", "yml":
		return &YAMLReporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported report format: %q", format)
	}
}

// sessionDoc is the structured form shared by the JSON and YAML reporters.
type sessionDoc struct {
	SessionID       string       `json:"session_id" yaml:"session_id"`
	Target          string       `json:"target" yaml:"target"`
	State           scan.State   `json:"state" yaml:"state"`
	Options         scan.Options `json:"options" yaml:"options"`
	StartedAt       time.Time    `json:"started_at" yaml:"started_at"`
	EndedAt         *time.Time   `json:"ended_at" yaml:"ended_at"`
	DurationSeconds float64      `json:"duration_seconds" yaml:"duration_seconds"`
	Error           *string      `json:"error" yaml:"error"`
	OutputLines     int          `json:"output_lines" yaml:"output_lines"`
	Output          []string     `json:"output,omitempty" yaml:"output,omitempty"`
}

// listDoc wraps a session list with a per-state summary.
type listDoc struct {
	SchemaVersion string       `json:"schema_version" yaml:"schema_version"`
	Tool          string       `json:"tool" yaml:"tool"`
	Sessions      []sessionDoc `json:"sessions" yaml:"sessions"`
	Summary       summaryDoc   `json:"summary" yaml:"summary"`
}

type summaryDoc struct {
	Total  int            `json:"total" yaml:"total"`
	States map[string]int `json:"states" yaml:"states"`
}

func newSessionDoc(snap scan.Snapshot, now time.Time, withOutput bool) sessionDoc {
	doc := sessionDoc{
		SessionID:       snap.ID,
		Target:          snap.Target.String(),
		State:           snap.State,
		Options:         snap.Options,
		StartedAt:       snap.StartedAt,
		EndedAt:         snap.EndedAt,
		DurationSeconds: snap.Elapsed(now).Seconds(),
		Error:           snap.Error,
		OutputLines:     len(snap.Output),
	}
	if withOutput {
		doc.Output = snap.Output
		if doc.Output == nil {
			doc.Output = []string{}
		}
	}
	return doc
}

func newListDoc(snaps []scan.Snapshot, now time.Time) listDoc {
	doc := listDoc{
		SchemaVersion: "1.0",
		Tool:          "autoar",
		Sessions:      make([]sessionDoc, 0, len(snaps)),
		Summary:       summaryDoc{Total: len(snaps), States: countStates(snaps)},
	}
	for _, snap := range snaps {
		doc.Sessions = append(doc.Sessions, newSessionDoc(snap, now, false))
	}
	return doc
}

// countStates counts sessions per state name.
func countStates(snaps []scan.Snapshot) map[string]int {
	counts := make(map[string]int)
	for _, s := range snaps {
		counts[s.State.String()]++
	}
	return counts
}

func clock(now func() time.Time) time.Time {
	if now == nil {
		return time.Now()
	}
	return now()
}
