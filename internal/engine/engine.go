// Package engine launches the external reconnaissance engine and exposes
// the running process as a Handle.
package engine

import (
	"context"

	"github.com/0x6d61/autoar/internal/scan"
)

// Result is the terminal result of an engine process.
type Result struct {
	// ExitCode is the process exit status, or -1 when it was killed by a
	// signal or never reported one.
	ExitCode int

	// Err is nil only for a clean zero exit.
	Err error
}

// Handle controls one running engine invocation.
//
// Output delivers output lines in production order and is closed once the
// process output is exhausted. Result then delivers exactly one value and
// is closed.
type Handle interface {
	Output() <-chan string
	Result() <-chan Result

	// Cancel asks the engine to terminate gracefully. It is a no-op once
	// the process has exited.
	Cancel() error

	// Kill terminates the engine immediately and stops delivering output.
	Kill() error
}

// Engine starts scans.
type Engine interface {
	// Launch starts a scan of target and returns once the engine accepted
	// it. ctx bounds only the launch itself, never the scan.
	Launch(ctx context.Context, target scan.Target, opts scan.Options) (Handle, error)
}

// BuildArgs returns the engine command line arguments for a scan:
//
//	-d <target> [-w <webhook>] [--skip-ports] [--skip-fuzz] [--skip-sqli] [--skip-paramx] [-v]
//
// The webhook is included only when passWebhook is set.
func BuildArgs(target scan.Target, opts scan.Options, passWebhook bool) []string {
	args := []string{"-d", target.String()}
	if passWebhook && opts.WebhookURL != "" {
		args = append(args, "-w", opts.WebhookURL)
	}
	return append(args, opts.Flags()...)
}
