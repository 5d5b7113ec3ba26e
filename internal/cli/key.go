package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/runname/internal/keys"
)

// KeyOptions holds flags for the key command.
type KeyOptions struct {
	*RootOptions
	Params []string
	Base   string
}

// KeyResult is the output of the key command.
type KeyResult struct {
	LookupKey string `json:"lookup_key"`
	NamingKey string `json:"naming_key,omitempty"`
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Derive a lookup key from parameters",
		Long: `Derive the lookup key identifying an entity from its parameters.

The key is the SHA-256 of the canonical JSON of the parameters, so it does
not depend on parameter order. Values are strings.

Examples:
  runname key --param dataset=imagenet --param seed=7
  runname key --param dataset=imagenet --base "Model X"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKey(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Base, "base", "", "also print the naming key of this base name")
	_ = cmd.MarkFlagRequired("param")

	return cmd
}

func runKey(opts *KeyOptions, cmd *cobra.Command) error {
	lookupKey, err := lookupKeyFromParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}
	res := KeyResult{LookupKey: lookupKey}
	text := lookupKey
	if opts.Base != "" {
		res.NamingKey = keys.NamingKey(opts.Base)
		text = fmt.Sprintf("lookup_key: %s\nnaming_key: %s", res.LookupKey, res.NamingKey)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Emit(res, text)
}

// parseParams turns key=value flags into a parameter map.
func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, p := range raw {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", p)
		}
		if _, dup := params[k]; dup {
			return nil, fmt.Errorf("parameter %q given twice", k)
		}
		params[k] = v
	}
	return params, nil
}

func lookupKeyFromParams(raw []string) (string, error) {
	params, err := parseParams(raw)
	if err != nil {
		return "", err
	}
	return keys.LookupKey(params)
}
