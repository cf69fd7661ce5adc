package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ha1tch/pgcompat/pkg/log"
	"github.com/ha1tch/pgcompat/pkg/queries"
	"github.com/ha1tch/pgcompat/pkg/storage"
	"github.com/ha1tch/pgcompat/pkg/version"
)

// PingResult is the JSON shape of ping output.
type PingResult struct {
	Status  string        `json:"status"`
	Backend string        `json:"backend"`
	Pool    storage.Stats `json:"pool"`
}

// NewPingCommand creates the ping command.
func NewPingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := rootOpts.openDB(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "ping failed", err)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if f.IsJSON() {
				return f.JSON(PingResult{Status: "ok", Backend: d.Dialect(), Pool: d.Stats()})
			}
			f.Text("ok: %s backend reachable", d.Dialect())
			return nil
		},
	}
}

// QueryInfo is the JSON shape of one entry in queries list.
type QueryInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params"`
	Source      string   `json:"source"`
}

// NewQueriesCommand creates the queries command group.
func NewQueriesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Inspect named query files",
	}

	var dir string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the queries in the query directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Queries.Dir
			}
			if dir == "" {
				return NewExitError(ExitCommandError, "no query directory: set --dir, queries.dir or PGCOMPAT_QUERY_DIR")
			}

			logger := log.New(log.Config{DefaultLevel: log.LevelWarn, Output: cmd.ErrOrStderr()})
			reg, err := queries.Load(dir, logger)
			if err != nil {
				return WrapExitError(ExitFailure, "load queries", err)
			}

			infos := make([]QueryInfo, 0, reg.Count())
			for _, q := range reg.List() {
				params := q.Params
				if params == nil {
					params = []string{}
				}
				infos = append(infos, QueryInfo{
					Name:        q.Name,
					Description: q.Description,
					Params:      params,
					Source:      q.SourceFile,
				})
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if f.IsJSON() {
				return f.JSON(infos)
			}
			for _, qi := range infos {
				line := qi.Name
				if len(qi.Params) > 0 {
					line += " (@" + strings.Join(qi.Params, ", @") + ")"
				}
				if qi.Description != "" {
					line += "  " + qi.Description
				}
				f.Text("%s", line)
			}
			f.Text("%d queries", len(infos))
			return nil
		},
	}
	list.Flags().StringVarP(&dir, "dir", "d", "", "query directory (defaults to queries.dir)")
	cmd.AddCommand(list)

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if f.IsJSON() {
				return f.JSON(map[string]string{"version": version.Version})
			}
			f.Text("%s", version.Full())
			return nil
		},
	}
}
