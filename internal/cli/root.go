package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/runname/internal/clock"
	"github.com/roach88/runname/internal/config"
	"github.com/roach88/runname/internal/metrics"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Root       string

	// MetricsFile, when set, receives the invocation's metrics in the
	// Prometheus text format once the command finishes.
	MetricsFile string

	// Populated before any subcommand runs.
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	registry *prometheus.Registry

	// Clock is the wall clock used for leases and TTLs; nil means system time.
	Clock clock.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the runname CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runname",
		Short: "runname - collision-free run names across processes",
		Long: `Reserve, commit and index versioned run names.

Any number of processes on one host (or sharing one filesystem) can name
records concurrently: versions are coordinated through lock files and
counter records under a shared root directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return &ExitError{Code: ExitCommandError, ErrCode: ErrCodeConfig, Message: "failed to load config", Err: err}
			}
			if opts.Root != "" {
				cfg.Root = opts.Root
			}
			opts.Config = cfg
			opts.Logger = newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
			if opts.MetricsFile != "" {
				opts.registry = prometheus.NewRegistry()
				opts.Metrics = metrics.New(opts.registry)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.MetricsFile, "metrics-file", "", "write metrics in Prometheus text format to this file")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "state directory (overrides config and "+config.EnvRoot+")")

	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewReserveCommand(opts))
	cmd.AddCommand(NewCommitCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewInsertCommand(opts))
	cmd.AddCommand(NewFindCommand(opts))
	cmd.AddCommand(NewNameCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	return execute(&RootOptions{}, args, stdout, stderr)
}

func execute(opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if werr := writeMetrics(opts); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		out := &OutputFormatter{Format: opts.Format, Writer: stderr}
		if opts.Format == "json" {
			out.Writer = stdout
		}
		return out.ReportError(err)
	}
	return ExitSuccess
}

// writeMetrics dumps the registry to --metrics-file, for failed commands too.
func writeMetrics(opts *RootOptions) error {
	if opts.registry == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(opts.MetricsFile, opts.registry); err != nil {
		return WrapExitError(ExitCommandError, "failed to write metrics", err)
	}
	return nil
}

// newLogger builds the slog logger for one invocation. Logs go to stderr
// so that JSON output on stdout stays parseable.
func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}
