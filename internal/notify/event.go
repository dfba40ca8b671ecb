// Package notify delivers scan summaries to webhook endpoints. Delivery is
// best effort: one attempt per endpoint, bounded by a timeout, never
// retried, and never able to block or fail the caller.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/0x6d61/autoar/internal/scan"
)

// tailLines is how many trailing output lines an event carries.
const tailLines = 5

// Event describes one terminal transition.
type Event struct {
	SessionID  string
	Target     scan.Target
	State      scan.State
	StartedAt  time.Time
	EndedAt    time.Time
	Error      string
	Summary    string
	OutputSize int
	Tail       []string

	// WebhookURL is the per-scan endpoint, in addition to the configured
	// ones. Empty means none.
	WebhookURL string
}

// NewEvent builds the event for a terminal snapshot.
func NewEvent(snap scan.Snapshot) Event {
	ev := Event{
		SessionID:  snap.ID,
		Target:     snap.Target,
		State:      snap.State,
		StartedAt:  snap.StartedAt,
		OutputSize: len(snap.Output),
		WebhookURL: snap.Options.WebhookURL,
	}
	if snap.EndedAt != nil {
		ev.EndedAt = *snap.EndedAt
	}
	if snap.Error != nil {
		ev.Error = *snap.Error
	}
	if n := len(snap.Output); n > 0 {
		from := n - tailLines
		if from < 0 {
			from = 0
		}
		ev.Tail = append([]string(nil), snap.Output[from:]...)
	}
	ev.Summary = ev.summarize()
	return ev
}

// Duration is the session run time.
func (e Event) Duration() time.Duration {
	if e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

func (e Event) summarize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan of %s %s after %s", e.Target, e.State, e.Duration().Round(time.Second))
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	fmt.Fprintf(&b, " (%d output lines)", e.OutputSize)
	return b.String()
}
