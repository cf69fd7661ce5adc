// Package cli implements the pgcompat command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ha1tch/pgcompat/pkg/config"
	"github.com/ha1tch/pgcompat/pkg/db"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config string
	Format string // "text" | "json"
	Getenv func(string) string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Getenv)
}

func newRootCommand(getenv func(string) string) *cobra.Command {
	opts := &RootOptions{Getenv: getenv}

	cmd := &cobra.Command{
		Use:   "pgcompat",
		Short: "Run BigQuery-style SQL against PostgreSQL",
		Long: `pgcompat translates analytics queries written with @name parameters and
BigQuery functions into PostgreSQL and runs them through a connection pool.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewTranslateCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewPingCommand(opts))
	cmd.AddCommand(NewQueriesCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.Config, o.Getenv)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "configuration error", err)
	}
	return cfg, nil
}

func (o *RootOptions) openDB(cmd *cobra.Command) (*db.DB, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	d, err := db.Open(cmd.Context(), cfg, db.WithLogger(cfg.Logger(cmd.ErrOrStderr())))
	if err != nil {
		return nil, WrapExitError(ExitFailure, "open database", err)
	}
	return d, nil
}

// Execute runs the root command with args and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "pgcompat: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}
