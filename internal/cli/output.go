package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ha1tch/pgcompat/pkg/storage"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // query or connection failure
	ExitCommandError = 2 // bad flags, arguments or configuration
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// JSON writes v as indented JSON.
func (f *OutputFormatter) JSON(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Text writes a formatted line.
func (f *OutputFormatter) Text(format string, args ...any) {
	fmt.Fprintf(f.Writer, format+"\n", args...)
}

// IsJSON reports whether JSON output was requested.
func (f *OutputFormatter) IsJSON() bool {
	return f.Format == "json"
}

// Table writes rows as an aligned table with sorted column headers.
func (f *OutputFormatter) Table(rows storage.Rows) {
	if len(rows) == 0 {
		f.Text("(0 rows)")
		return
	}

	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				cols = append(cols, col)
			}
		}
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, row := range rows {
		cells := make([]string, len(cols))
		for i, col := range cols {
			cells[i] = formatValue(row[col])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()

	noun := "rows"
	if len(rows) == 1 {
		noun = "row"
	}
	f.Text("(%d %s)", len(rows), noun)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
