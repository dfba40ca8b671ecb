package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/0x6d61/autoar/internal/scan"
)

const (
	doubleLine = "\u2550" // ═
	singleLine = "\u2500" // ─
	lineWidth  = 50

	// DefaultTail is how many output lines a non-verbose report shows.
	DefaultTail = 20

	timeLayout = "2006-01-02 15:04:05 MST"
)

// TextReporter outputs terminal text with coloured state badges.
type TextReporter struct {
	// Verbose prints the whole output log instead of its tail.
	Verbose bool

	// Tail overrides DefaultTail.
	Tail int

	NoColor bool
	Now     func() time.Time
}

// Format returns "text".
func (r *TextReporter) Format() string {
	return "text"
}

// badge renders the upper-case state name padded to width, coloured by
// state.
func (r *TextReporter) badge(s scan.State, width int) string {
	var c *color.Color
	switch s {
	case scan.StatePending:
		c = color.New(color.FgYellow)
	case scan.StateRunning:
		c = color.New(color.FgCyan, color.Bold)
	case scan.StateStopping:
		c = color.New(color.FgMagenta)
	case scan.StateCompleted:
		c = color.New(color.FgGreen, color.Bold)
	case scan.StateFailed:
		c = color.New(color.FgRed, color.Bold)
	default:
		c = color.New(color.FgHiBlack)
	}
	if r.NoColor {
		c.DisableColor()
	}
	return c.Sprintf("%-*s", width, strings.ToUpper(s.String()))
}

// Session writes one session with the tail of its output.
func (r *TextReporter) Session(ctx context.Context, snap scan.Snapshot, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := &strings.Builder{}
	doubleBar := strings.Repeat(doubleLine, lineWidth)
	singleBar := strings.Repeat(singleLine, lineWidth)

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintln(b, "autoar - Scan Session")
	fmt.Fprintln(b, doubleBar)

	fmt.Fprintf(b, "Target:   %s\n", snap.Target)
	fmt.Fprintf(b, "Session:  %s\n", snap.ID)
	fmt.Fprintf(b, "State:    %s\n", r.badge(snap.State, 0))
	fmt.Fprintf(b, "Started:  %s\n", snap.StartedAt.Format(timeLayout))
	if snap.EndedAt != nil {
		fmt.Fprintf(b, "Ended:    %s\n", snap.EndedAt.Format(timeLayout))
	}
	fmt.Fprintf(b, "Elapsed:  %s\n", formatElapsed(snap.Elapsed(clock(r.Now))))
	if flags := snap.Options.Flags(); len(flags) > 0 {
		fmt.Fprintf(b, "Options:  %s\n", strings.Join(flags, " "))
	}
	if snap.Options.WebhookURL != "" {
		fmt.Fprintf(b, "Webhook:  %s\n", snap.Options.WebhookURL)
	}

	if snap.Error != nil {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintf(b, "Error: %s\n", *snap.Error)
	}

	fmt.Fprintln(b, singleBar)
	lines := snap.Output
	tail := r.Tail
	if tail <= 0 {
		tail = DefaultTail
	}
	switch {
	case len(lines) == 0:
		fmt.Fprintln(b, "No output yet.")
	case r.Verbose || len(lines) <= tail:
		fmt.Fprintf(b, "Output (%d lines):\n", len(lines))
	default:
		fmt.Fprintf(b, "Output (last %d of %d lines):\n", tail, len(lines))
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		fmt.Fprintf(b, "  %s\n", line)
	}
	fmt.Fprintln(b, doubleBar)

	_, err := io.WriteString(w, b.String())
	return err
}

// Sessions writes a one-line-per-session table and a per-state summary.
func (r *TextReporter) Sessions(ctx context.Context, snaps []scan.Snapshot, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := &strings.Builder{}
	doubleBar := strings.Repeat(doubleLine, lineWidth)

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintln(b, "autoar - Scan Sessions")
	fmt.Fprintln(b, doubleBar)

	if len(snaps) == 0 {
		fmt.Fprintln(b, "No scan sessions.")
	} else {
		targetWidth := len("TARGET")
		for _, s := range snaps {
			targetWidth = max(targetWidth, len(s.Target))
		}
		const stateWidth = len("COMPLETED")

		now := clock(r.Now)
		fmt.Fprintf(b, "%-*s  %-*s  %-23s  %-8s  %s\n",
			stateWidth, "STATE", targetWidth, "TARGET", "STARTED", "ELAPSED", "SESSION")
		for _, s := range snaps {
			fmt.Fprintf(b, "%s  %-*s  %-23s  %-8s  %s\n",
				r.badge(s.State, stateWidth), targetWidth, s.Target,
				s.StartedAt.Format(timeLayout), formatElapsed(s.Elapsed(now)), s.ID)
		}
	}

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintf(b, "Summary: %d session(s)%s\n", len(snaps), summarizeStates(snaps))
	fmt.Fprintln(b, doubleBar)

	_, err := io.WriteString(w, b.String())
	return err
}

// summarizeStates lists non-zero state counts in lifecycle order.
func summarizeStates(snaps []scan.Snapshot) string {
	counts := countStates(snaps)
	var parts []string
	for s := scan.StatePending; s <= scan.StateCancelled; s++ {
		if n := counts[s.String()]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return ": " + strings.Join(parts, ", ")
}

func formatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
