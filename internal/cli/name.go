package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/runname/internal/naming"
	"github.com/roach88/runname/internal/runindex"
)

// NameOptions holds flags for the name command.
type NameOptions struct {
	*RootOptions
	LookupKey string
	Params    []string
	NamingKey string
	Database  string
	NoReuse   bool
}

// NewNameCommand creates the name command.
func NewNameCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NameOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "name <base-name>",
		Short: "Name a record, reusing it if the entity was named before",
		Long: `Run the whole naming flow against the SQLite tracker.

If the entity (its lookup key, or the key derived from --param) already has
a record, that record is returned. Otherwise the next version is reserved,
the record "<base>-v<version>" is created, the version is committed and the
record is indexed.

Lock contention that outlasts every retry exits with code 3: run the
command again later.

Examples:
  runname name "model-x" --param dataset=imagenet --param seed=7
  runname name "model-x" --lookup-key 3f1c...e9 --db ./records.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runName(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.LookupKey, "lookup-key", "", "lookup key of the entity")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "derive the lookup key from key=value (repeatable)")
	cmd.Flags().StringVar(&opts.NamingKey, "naming-key", "", "version sequence to use (default: derived from base name)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite tracker (default from config)")
	cmd.Flags().BoolVar(&opts.NoReuse, "no-reuse", false, "always create a new record")
	cmd.MarkFlagsMutuallyExclusive("lookup-key", "param")

	return cmd
}

func runName(opts *NameOptions, cmd *cobra.Command, base string) error {
	lookupKey := opts.LookupKey
	if len(opts.Params) > 0 {
		var err error
		if lookupKey, err = lookupKeyFromParams(opts.Params); err != nil {
			return WrapExitError(ExitCommandError, "invalid parameters", err)
		}
	}

	a, ctx, cancel, err := setup(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer cancel()

	st, err := a.openTracker(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open tracker", err)
	}
	defer st.Close()

	cfg := opts.Config
	nopts := naming.Options{
		Counter:        a.counter,
		Tracker:        st,
		Index:          a.index,
		ReservationTTL: cfg.Counter.ReservationTTL.D(),
		MaxAttempts:    cfg.Naming.MaxAttempts,
		RetryBackoff:   cfg.Naming.RetryBackoff.D(),
		Logger:         opts.Logger,
	}
	if !opts.NoReuse {
		nopts.Resolver = runindex.NewResolver(a.index, st, runindex.ResolverOptions{
			Backfill: cfg.Index.BackfillOnMiss,
			Logger:   opts.Logger,
			Metrics:  a.metrics,
		})
	}
	n, err := naming.New(nopts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialise", err)
	}

	res, err := n.Name(ctx, naming.Request{BaseName: base, NamingKey: opts.NamingKey, LookupKey: lookupKey})
	if res != nil {
		if werr := a.output(cmd).Emit(res, nameText(res)); werr != nil {
			return werr
		}
	}
	if err != nil {
		return WrapDomainError("naming failed", err)
	}
	return nil
}

func nameText(res *naming.Result) string {
	label := res.Name
	if label == "" {
		label = fmt.Sprintf("%s v%d", res.NamingKey, res.Version)
	}
	if res.Reused {
		return fmt.Sprintf("%s (reused %s)", label, res.RecordID)
	}
	return fmt.Sprintf("%s (%s)", label, res.RecordID)
}
