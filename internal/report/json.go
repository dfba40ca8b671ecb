package report

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/0x6d61/autoar/internal/scan"
)

// JSONReporter outputs structured JSON.
type JSONReporter struct {
	// Compact outputs single-line JSON when true (no indentation).
	Compact bool
	Now     func() time.Time
}

// Format returns "json".
func (r *JSONReporter) Format() string {
	return "json"
}

func (r *JSONReporter) Session(ctx context.Context, snap scan.Snapshot, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.encode(w, newSessionDoc(snap, clock(r.Now), true))
}

func (r *JSONReporter) Sessions(ctx context.Context, snaps []scan.Snapshot, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.encode(w, newListDoc(snaps, clock(r.Now)))
}

func (r *JSONReporter) encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if !r.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
