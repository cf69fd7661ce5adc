package cli

import (
	"github.com/spf13/cobra"

	"github.com/ha1tch/pgcompat/pkg/db"
	"github.com/ha1tch/pgcompat/pkg/storage"
)

type execOptions struct {
	paramFlags
	named string
	raw   bool
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec [sql|-]",
		Short: "Translate and run a query",
		Long: `Translate a query and run it against the configured backend.

Use --named to run a query from the configured query directory instead of
passing SQL, and --raw to send the text to the engine untranslated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(rootOpts, opts, cmd, args)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVarP(&opts.named, "named", "n", "", "run the registered query with this name")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "run the text without translation; --param values bind in flag order")

	return cmd
}

func runExec(rootOpts *RootOptions, opts *execOptions, cmd *cobra.Command, args []string) error {
	switch {
	case opts.named != "" && len(args) > 0:
		return NewExitError(ExitCommandError, "--named cannot be combined with a SQL argument")
	case opts.named == "" && len(args) == 0:
		return NewExitError(ExitCommandError, "a SQL argument or --named is required")
	case opts.named != "" && opts.raw:
		return NewExitError(ExitCommandError, "--named cannot be combined with --raw")
	}

	var text string
	if len(args) == 1 {
		var err error
		if text, err = readSQL(cmd, args[0]); err != nil {
			return err
		}
	}

	var (
		params  map[string]any
		rawArgs []any
		err     error
	)
	if opts.raw {
		rawArgs, err = opts.positional()
	} else {
		params, err = opts.resolve()
	}
	if err != nil {
		return err
	}

	d, err := rootOpts.openDB(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	var rows storage.Rows
	switch {
	case opts.raw:
		rows, err = d.RawExecute(ctx, text, rawArgs...)
	case opts.named != "":
		var res []storage.Rows
		res, err = d.ExecuteNamed(ctx, opts.named, params)
		if err == nil {
			rows = res[0]
		}
	default:
		var res []storage.Rows
		res, err = d.Execute(ctx, db.Query{Text: text, Params: params})
		if err == nil {
			rows = res[0]
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	if f.IsJSON() {
		return f.JSON(rows)
	}
	f.Table(rows)
	return nil
}

// positional returns --param values in flag order for untranslated SQL.
func (o *execOptions) positional() ([]any, error) {
	if o.paramsFile != "" || o.bare {
		return nil, NewExitError(ExitCommandError, "--raw accepts only --param")
	}
	out := make([]any, 0, len(o.params))
	for _, kv := range o.params {
		_, v, err := parseParam(kv)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
