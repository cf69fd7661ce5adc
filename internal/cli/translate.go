package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ha1tch/pgcompat/pkg/dialect"
)

// paramFlags are shared by translate and exec.
type paramFlags struct {
	params     []string
	paramsFile string
	bare       bool
}

func (p *paramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&p.params, "param", "p", nil, "parameter as name=value; value is parsed as YAML")
	cmd.Flags().StringVar(&p.paramsFile, "params-file", "", "YAML file mapping parameter names to values")
	cmd.Flags().BoolVar(&p.bare, "bare", false, "treat the query as a bare string; @name markers are not bound")
}

// resolve builds the parameter map. Bare queries return nil.
func (p *paramFlags) resolve() (map[string]any, error) {
	if p.bare {
		if len(p.params) > 0 || p.paramsFile != "" {
			return nil, NewExitError(ExitCommandError, "--bare cannot be combined with --param or --params-file")
		}
		return nil, nil
	}

	params := make(map[string]any)
	if p.paramsFile != "" {
		data, err := os.ReadFile(p.paramsFile)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "read params file", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, WrapExitError(ExitCommandError, "parse params file", err)
		}
		if params == nil {
			params = make(map[string]any)
		}
	}

	for _, kv := range p.params {
		name, v, err := parseParam(kv)
		if err != nil {
			return nil, err
		}
		params[name] = v
	}
	return params, nil
}

// parseParam splits name=value and decodes value as YAML, so 42 is an int,
// [1, 2] a list and ~ is NULL. A leading @ on the name is ignored.
func parseParam(kv string) (string, any, error) {
	name, raw, ok := strings.Cut(kv, "=")
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if !ok || name == "" {
		return "", nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --param %q: want name=value", kv))
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return "", nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid value for %s", name), err)
	}
	return name, v, nil
}

// readSQL returns the query text from the argument or stdin when it is "-".
func readSQL(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", WrapExitError(ExitCommandError, "read stdin", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", NewExitError(ExitCommandError, "no SQL on stdin")
	}
	return text, nil
}

// TranslateResult is the JSON shape of translate output.
type TranslateResult struct {
	SQL    string   `json:"sql"`
	Params []string `json:"params"`
	Args   []any    `json:"args"`
}

// NewTranslateCommand creates the translate command.
func NewTranslateCommand(rootOpts *RootOptions) *cobra.Command {
	pf := &paramFlags{}

	cmd := &cobra.Command{
		Use:   "translate <sql|->",
		Short: "Print the PostgreSQL form of a query without running it",
		Long: `Translate a query into PostgreSQL and print the result with its positional
arguments. Pass "-" to read the query from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(rootOpts, pf, cmd, args[0])
		},
	}
	pf.register(cmd)

	return cmd
}

func runTranslate(opts *RootOptions, pf *paramFlags, cmd *cobra.Command, arg string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	text, err := readSQL(cmd, arg)
	if err != nil {
		return err
	}
	params, err := pf.resolve()
	if err != nil {
		return err
	}

	tr := dialect.NewTranslator(dialect.WithMissingParamPolicy(cfg.MissingParamPolicy()), dialect.WithCacheSize(0))
	out, err := tr.Translate(text, params)
	if err != nil {
		return WrapExitError(ExitFailure, "translate", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if f.IsJSON() {
		names := out.Names
		if names == nil {
			names = []string{}
		}
		return f.JSON(TranslateResult{SQL: out.Text, Params: names, Args: out.Args})
	}

	f.Text("%s", out.Text)
	for i, arg := range out.Args {
		f.Text("-- $%d %s = %s", i+1, out.Names[i], formatArg(arg))
	}
	return nil
}

func formatArg(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprint(v)
	}
}
