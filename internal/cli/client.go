package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/0x6d61/autoar/internal/api"
	"github.com/0x6d61/autoar/internal/report"
	"github.com/0x6d61/autoar/internal/scan"
)

// optionFlags maps start flags to the request fields they set.
var optionFlags = []struct {
	name  string
	usage string
	field func(*api.OptionsRequest) **bool
}{
	{"skip-ports", "Skip port scanning", func(o *api.OptionsRequest) **bool { return &o.SkipPorts }},
	{"skip-fuzz", "Skip fuzzing", func(o *api.OptionsRequest) **bool { return &o.SkipFuzz }},
	{"skip-sqli", "Skip SQL injection checks", func(o *api.OptionsRequest) **bool { return &o.SkipSQLi }},
	{"skip-paramx", "Skip parameter discovery", func(o *api.OptionsRequest) **bool { return &o.SkipParamX }},
	{"engine-verbose", "Run the scan engine with -v", func(o *api.OptionsRequest) **bool { return &o.Verbose }},
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <domain>",
		Short: "Start a scan",
		Long: `Start asks the server to scan a domain. Option flags that are not given
take the server's scan defaults. With --wait the command follows the scan,
printing its output as it arrives, and exits non-zero unless it completes.`,
		Args: cobra.ExactArgs(1),
		RunE: runStart,
	}
	f := cmd.Flags()
	for _, of := range optionFlags {
		f.Bool(of.name, false, of.usage)
	}
	f.StringP("webhook", "w", "", "Webhook notified when the scan finishes (Discord, Slack or generic)")
	f.Bool("wait", false, "Follow the scan until it finishes")
	f.Duration("poll-interval", 2*time.Second, "Status polling interval with --wait")
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	opts := &api.OptionsRequest{}
	for _, of := range optionFlags {
		if cmd.Flags().Changed(of.name) {
			v, _ := cmd.Flags().GetBool(of.name)
			*of.field(opts) = &v
		}
	}
	opts.Webhook, _ = cmd.Flags().GetString("webhook")

	ctx := cmd.Context()
	callCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	resp, err := client.StartScan(callCtx, args[0], opts)
	cancel()
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.SessionID != "" {
			return fmt.Errorf("scan session %s failed to launch: %w", apiErr.SessionID, err)
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "[*] %s (session %s)\n", resp.Message, resp.SessionID)

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		return nil
	}
	interval, _ := cmd.Flags().GetDuration("poll-interval")
	snap, err := follow(ctx, client, resp.Domain, resp.SessionID, interval, out)
	if err != nil {
		return err
	}
	reporter, err := newReporter(cmd, false)
	if err != nil {
		return err
	}
	if err := reporter.Session(ctx, snap, out); err != nil {
		return err
	}
	if snap.State != scan.StateCompleted {
		return fmt.Errorf("scan of %s ended %s", snap.Target, snap.State)
	}
	return nil
}

// follow polls the session until it is terminal, printing output lines as
// they appear. Output is append-only, so lines past the printed count are
// new.
func follow(ctx context.Context, client *api.Client, domain, id string, interval time.Duration, w io.Writer) (scan.Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	printed := 0
	for {
		callCtx, cancel := context.WithTimeout(ctx, clientTimeout)
		snap, err := client.Status(callCtx, domain)
		cancel()
		if err != nil {
			return scan.Snapshot{}, err
		}
		if snap.ID != id {
			return scan.Snapshot{}, fmt.Errorf("session %s for %s was replaced by %s", id, domain, snap.ID)
		}
		for _, line := range snap.Output[min(printed, len(snap.Output)):] {
			fmt.Fprintln(w, line)
		}
		printed = max(printed, len(snap.Output))
		if snap.State.IsTerminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return scan.Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <domain>",
		Short: "Stop a running scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			resp, err := client.StopScan(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[*] %s\n", resp.Message)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <domain>",
		Short: "Show the current scan session of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			full, _ := cmd.Flags().GetBool("full")
			reporter, err := newReporter(cmd, full)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			snap, err := client.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return reporter.Session(ctx, snap, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("full", false, fmt.Sprintf("Print the whole output log instead of the last %d lines", report.DefaultTail))
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active and recently finished scan sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			reporter, err := newReporter(cmd, false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			snaps, err := client.List(ctx)
			if err != nil {
				return err
			}
			return reporter.Sessions(ctx, snaps, cmd.OutOrStdout())
		},
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <domain>",
		Short: "List archived scan sessions of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			reporter, err := newReporter(cmd, false)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			snaps, err := client.Results(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return reporter.Sessions(ctx, snaps, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of sessions")
	return cmd
}
