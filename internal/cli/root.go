package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/0x6d61/autoar/internal/api"
	alog "github.com/0x6d61/autoar/internal/log"
	"github.com/0x6d61/autoar/internal/report"
	"github.com/0x6d61/autoar/internal/transport"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// DefaultServer is the API address client commands use unless --server or
// AUTOAR_SERVER_URL says otherwise.
const DefaultServer = "http://localhost:5000"

// clientTimeout bounds each API call of the client commands.
const clientTimeout = 30 * time.Second

// Execute runs the autoar command line.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the full command tree. Each call returns fresh
// flag state.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoar",
		Short: "Scan session orchestrator for the autoAr recon pipeline",
		Long: `autoar - Scan session orchestrator

Runs the autoAr reconnaissance script as managed scan sessions: one active
scan per domain, start and stop over a REST API, live output, history and
webhook notifications when a scan finishes.

WARNING: Only scan domains you have explicit permission to test.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			format, _ := cmd.Flags().GetString("log-format")
			slog.SetDefault(alog.NewWriter(cmd.ErrOrStderr(), verbose, alog.ParseFormat(format)))
			return nil
		},
	}

	serverDefault := os.Getenv("AUTOAR_SERVER_URL")
	if serverDefault == "" {
		serverDefault = DefaultServer
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: ./autoar.yaml or $XDG_CONFIG_HOME/autoar/autoar.yaml)")
	flags.String("server", serverDefault, "autoar API base URL for client commands")
	flags.BoolP("verbose", "v", false, "Debug logging")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.StringP("format", "f", "text", "Report format (text, json, yaml)")
	flags.Bool("no-color", false, "Disable coloured output")

	rootCmd.AddCommand(
		newServeCommand(),
		newStartCommand(),
		newStopCommand(),
		newStatusCommand(),
		newListCommand(),
		newHistoryCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autoar %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newClient builds an API client from the --server flag.
func newClient(cmd *cobra.Command) (*api.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	tc, err := transport.NewClient(transport.ClientOptions{Timeout: clientTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return api.NewClient(server, tc)
}

// newReporter builds the reporter selected by --format.
func newReporter(cmd *cobra.Command, verboseOutput bool) (report.Reporter, error) {
	format, _ := cmd.Flags().GetString("format")
	r, err := report.New(format)
	if err != nil {
		return nil, err
	}
	if tr, ok := r.(*report.TextReporter); ok {
		tr.NoColor, _ = cmd.Flags().GetBool("no-color")
		tr.Verbose = verboseOutput
	}
	return r, nil
}
