package report

import (
	"context"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0x6d61/autoar/internal/scan"
)

// YAMLReporter outputs the same documents as JSONReporter in YAML.
type YAMLReporter struct {
	Now func() time.Time
}

// Format returns "yaml".
func (r *YAMLReporter) Format() string {
	return "yaml"
}

func (r *YAMLReporter) Session(ctx context.Context, snap scan.Snapshot, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return encodeYAML(w, newSessionDoc(snap, clock(r.Now), true))
}

func (r *YAMLReporter) Sessions(ctx context.Context, snaps []scan.Snapshot, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return encodeYAML(w, newListDoc(snaps, clock(r.Now)))
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
