package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/runname/internal/counter"
	"github.com/roach88/runname/internal/naming"
)

// ReserveResult is the output of the reserve command.
type ReserveResult struct {
	NamingKey string    `json:"naming_key"`
	HolderID  string    `json:"holder_id"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewReserveCommand creates the reserve command.
func NewReserveCommand(rootOpts *RootOptions) *cobra.Command {
	var holder string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "reserve <naming-key>",
		Short: "Reserve the next version of a naming key",
		Long: `Reserve the next version of a naming key.

The reservation stays pending until committed. If it is never committed it
expires after --ttl and is reclaimed; its version is never reissued.

Examples:
  runname reserve model-x
  runname reserve model-x --holder worker-7 --ttl 30m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer cancel()

			if holder == "" {
				holder = naming.UUIDv7Generator{}.Generate()
			}
			if ttl <= 0 {
				ttl = rootOpts.Config.Counter.ReservationTTL.D()
			}
			v, err := a.counter.Reserve(ctx, args[0], holder, ttl)
			if err != nil {
				return WrapDomainError("reserve failed", err)
			}

			res := ReserveResult{NamingKey: args[0], HolderID: holder, Version: v}
			if rec, err := a.counter.Get(args[0]); err == nil {
				for _, p := range rec.Pending {
					if p.HolderID == holder && p.Version == v {
						res.ExpiresAt = p.ExpiresAt()
					}
				}
			}
			return a.output(cmd).Emit(res, fmt.Sprintf("%d %s", v, holder))
		},
	}

	cmd.Flags().StringVar(&holder, "holder", "", "holder id (default: new UUIDv7)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "reservation TTL (default from config)")

	return cmd
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	var holder string
	var version int64

	cmd := &cobra.Command{
		Use:   "commit <naming-key>",
		Short: "Commit a reserved version",
		Long: `Commit a reserved version.

Fails with exit code 1 if the reservation does not exist, for example
because it expired and was reclaimed, or was already committed.

Example:
  runname commit model-x --holder worker-7 --version 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer cancel()

			if err := a.counter.Commit(ctx, args[0], holder, version); err != nil {
				return WrapDomainError("commit failed", err)
			}
			data := map[string]any{"naming_key": args[0], "holder_id": holder, "version": version}
			return a.output(cmd).Emit(data, fmt.Sprintf("committed %s v%d", args[0], version))
		},
	}

	cmd.Flags().StringVar(&holder, "holder", "", "holder id used to reserve (required)")
	cmd.Flags().Int64Var(&version, "version", 0, "reserved version (required)")
	_ = cmd.MarkFlagRequired("holder")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

// CleanupResult is the output of the cleanup command.
type CleanupResult struct {
	Removed map[string]int    `json:"removed"`
	Failed  map[string]string `json:"failed,omitempty"`
	Total   int               `json:"total"`
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cleanup [naming-key]",
		Short: "Reclaim expired reservations",
		Long: `Reclaim reservations whose holders are presumed crashed.

With a naming key, cleans that key. With --all, sweeps every counter.

Examples:
  runname cleanup model-x
  runname cleanup --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return NewExitError(ExitCommandError, "give either a naming key or --all")
			}
			a, ctx, cancel, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer cancel()

			res := CleanupResult{Removed: map[string]int{}}
			var sweepErr error
			if all {
				sr, err := a.counter.Sweep(ctx)
				if sr == nil {
					return WrapDomainError("sweep failed", err)
				}
				res.Removed = sr.Removed
				for k, e := range sr.Failed {
					if res.Failed == nil {
						res.Failed = map[string]string{}
					}
					res.Failed[k] = e.Error()
				}
				sweepErr = err
			} else {
				n, err := a.counter.CleanupStale(ctx, args[0])
				if err != nil {
					return WrapDomainError("cleanup failed", err)
				}
				res.Removed[args[0]] = n
			}
			for _, n := range res.Removed {
				res.Total += n
			}

			if err := a.output(cmd).Emit(res, cleanupText(res)); err != nil {
				return err
			}
			if sweepErr != nil {
				return WrapDomainError("sweep incomplete", sweepErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "sweep every naming key")

	return cmd
}

func cleanupText(res CleanupResult) string {
	keys := make([]string, 0, len(res.Removed))
	for k := range res.Removed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: removed %d\n", k, res.Removed[k])
	}
	fmt.Fprintf(&b, "total: %d", res.Total)
	return b.String()
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <naming-key>",
		Short: "Show the counter record of a naming key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, cancel, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer cancel()

			rec, err := a.counter.Get(args[0])
			if errors.Is(err, counter.ErrNotFound) {
				return &ExitError{Code: ExitFailure, ErrCode: ErrCodeNotFound, Message: fmt.Sprintf("no counter for %q", args[0])}
			}
			if err != nil {
				return WrapDomainError("inspect failed", err)
			}
			return a.output(cmd).Emit(rec, inspectText(rec, a.now()))
		},
	}
	return cmd
}

func inspectText(rec *counter.Record, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "naming_key:        %s\n", rec.NamingKey)
	fmt.Fprintf(&b, "committed_version: %d\n", rec.CommittedVersion)
	fmt.Fprintf(&b, "high_water:        %d\n", rec.HighWater)
	fmt.Fprintf(&b, "updated_at:        %s\n", rec.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "pending:           %d", len(rec.Pending))
	for _, p := range rec.Pending {
		state := "live"
		if p.Stale(now) {
			state = "stale"
		}
		fmt.Fprintf(&b, "\n  v%d holder=%s reserved_at=%s ttl=%ds %s",
			p.Version, p.HolderID, p.ReservedAt.Format(time.RFC3339), p.TTLSeconds, state)
	}
	return b.String()
}
