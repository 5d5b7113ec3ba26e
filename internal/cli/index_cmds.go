package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/runname/internal/runindex"
	"github.com/roach88/runname/internal/tracker"
)

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	var recordID, namingKey string
	var version int64

	cmd := &cobra.Command{
		Use:   "insert <lookup-key>",
		Short: "Record which record a lookup key resolved to",
		Long: `Record which record a lookup key resolved to.

Inserting the same record id again is a no-op. A different record id for
an indexed key is an index conflict (exit code 1) and changes nothing.

Example:
  runname insert 3f1c...e9 --record-id rec-42 --naming-key model-x --version 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer cancel()

			e, err := a.index.Insert(ctx, args[0], recordID, namingKey, version)
			if err != nil {
				return WrapDomainError("insert failed", err)
			}
			return a.output(cmd).Emit(e, fmt.Sprintf("%s -> %s", e.LookupKey, e.RecordID))
		},
	}

	cmd.Flags().StringVar(&recordID, "record-id", "", "record id (required)")
	cmd.Flags().StringVar(&namingKey, "naming-key", "", "naming key the record was named under")
	cmd.Flags().Int64Var(&version, "version", 0, "version the record was named with")
	_ = cmd.MarkFlagRequired("record-id")

	return cmd
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	var fallback bool
	var database string

	cmd := &cobra.Command{
		Use:   "find <lookup-key>",
		Short: "Find the record a lookup key resolved to",
		Long: `Find the record a lookup key resolved to.

Only the index is consulted unless --fallback or --db is given, in which
case a miss falls through to the tracking backend.

Examples:
  runname find 3f1c...e9
  runname find 3f1c...e9 --fallback
  runname find 3f1c...e9 --db ./records.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer cancel()

			var backend tracker.Resolver
			if fallback || database != "" {
				st, err := a.openTracker(database)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to open tracker", err)
				}
				defer st.Close()
				backend = st
			}

			r := runindex.NewResolver(a.index, backend, runindex.ResolverOptions{
				Backfill: rootOpts.Config.Index.BackfillOnMiss,
				Logger:   rootOpts.Logger,
				Metrics:  a.metrics,
			})
			res, err := r.Resolve(ctx, args[0])
			if errors.Is(err, runindex.ErrNotFound) {
				return &ExitError{Code: ExitFailure, ErrCode: ErrCodeNotFound, Message: fmt.Sprintf("no record for %s", args[0])}
			}
			if err != nil {
				return WrapDomainError("find failed", err)
			}

			source := "index"
			if !res.FromIndex {
				source = "backend"
			}
			return a.output(cmd).Emit(res, fmt.Sprintf("%s (from %s)", res.RecordID, source))
		},
	}

	cmd.Flags().BoolVar(&fallback, "fallback", false, "fall back to the configured tracker on a miss")
	cmd.Flags().StringVar(&database, "db", "", "fall back to this SQLite tracker on a miss")

	return cmd
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Repopulate the index from the tracking backend",
		Long: `Repopulate the index from every record in the SQLite tracker.

Existing entries are kept. Conflicting entries are reported and exit code 1
is returned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer cancel()

			st, err := a.openTracker(database)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open tracker", err)
			}
			defer st.Close()

			res, err := a.index.Rebuild(ctx, st)
			if err != nil {
				return WrapDomainError("rebuild failed", err)
			}
			text := fmt.Sprintf("inserted: %d\nexisting: %d\nskipped: %d\nconflicts: %d",
				res.Inserted, res.Existing, res.Skipped, len(res.Conflicts))
			for _, c := range res.Conflicts {
				text += "\n  " + c.Error()
			}
			if err := a.output(cmd).Emit(res, text); err != nil {
				return err
			}
			if len(res.Conflicts) > 0 {
				return &ExitError{Code: ExitFailure, ErrCode: ErrCodeIndexConflict,
					Message: fmt.Sprintf("%d index conflicts", len(res.Conflicts))}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&database, "db", "", "SQLite tracker (default from config)")

	return cmd
}
