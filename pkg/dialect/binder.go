// Package dialect translates origin-dialect query text into PostgreSQL.
//
// The origin dialect uses named @param markers, backtick-quoted
// project.dataset.table references and its own date, cast and array
// functions. Translation is three text passes:
//
//	Bind       @name       -> $n        (binder.go)
//	Normalize  `p.d.table` -> table     (normalizer.go)
//	Rewrite    DATE_TRUNC(x, WEEK) -> DATE_TRUNC('week', x), ...  (rewriter.go)
//
// Translation is textual. There is no parser and no grammar validation;
// anything no rule recognises is passed through and left for the engine
// to accept or reject.
package dialect

import (
	"fmt"
	"strconv"
	"strings"

	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
)

// Template is translated text together with the names its positional
// placeholders stand for: $1 is Names[0], $2 is Names[1], and so on.
// Names is shared between callers and must not be modified.
type Template struct {
	Text  string
	Names []string
}

// MissingParamPolicy decides what happens when a name referenced in the
// query text has no entry in the parameter map.
type MissingParamPolicy int

const (
	// BindNull binds nil for the missing name. Call sites use this for
	// optional filters written as (@x IS NULL OR col = @x).
	BindNull MissingParamPolicy = iota
	// FailOnMissing rejects the query before it reaches the engine.
	FailOnMissing
)

func (p MissingParamPolicy) String() string {
	switch p {
	case BindNull:
		return "null"
	case FailOnMissing:
		return "fail"
	}
	return fmt.Sprintf("MissingParamPolicy(%d)", int(p))
}

// ParseMissingParamPolicy parses "null" or "fail".
func ParseMissingParamPolicy(s string) (MissingParamPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "bind_null":
		return BindNull, nil
	case "fail", "error":
		return FailOnMissing, nil
	}
	return BindNull, fmt.Errorf("unknown missing parameter policy: %q", s)
}

// Bind replaces every @name marker with its positional placeholder.
//
// Names are numbered by first occurrence starting at 1, and a name that
// appears again reuses its number. Markers inside quoted strings, quoted
// identifiers, -- comments and /* */ comments are left alone, as are @@system variables.
func Bind(text string) Template {
	if strings.IndexByte(text, '@') < 0 {
		return Template{Text: text}
	}

	var (
		b     strings.Builder
		names []string
		index = make(map[string]int)
	)
	b.Grow(len(text) + 8)

	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := skipQuoted(text, i)
			b.WriteString(text[i:end])
			i = end

		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				end = len(text)
			} else {
				end += i
			}
			b.WriteString(text[i:end])
			i = end

		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				end = len(text)
			} else {
				end += i + 4
			}
			b.WriteString(text[i:end])
			i = end

		case c == '@' && i+1 < len(text) && text[i+1] == '@':
			j := i + 2
			for j < len(text) && isIdentByte(text[j]) {
				j++
			}
			b.WriteString(text[i:j])
			i = j

		case c == '@' && i+1 < len(text) && isIdentStart(text[i+1]):
			j := i + 2
			for j < len(text) && isIdentByte(text[j]) {
				j++
			}
			name := text[i+1 : j]
			n, seen := index[name]
			if !seen {
				names = append(names, name)
				n = len(names)
				index[name] = n
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			i = j

		default:
			b.WriteByte(c)
			i++
		}
	}

	return Template{Text: b.String(), Names: names}
}

// Bind resolves the template's names against params, in placeholder order.
func (t Template) Bind(params map[string]any, policy MissingParamPolicy) ([]any, error) {
	args := make([]any, len(t.Names))
	var missing []string
	for i, name := range t.Names {
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		args[i] = v
	}

	if len(missing) > 0 && policy == FailOnMissing {
		return nil, pcerrors.Newf(pcerrors.ErrCodeMissingParam,
			"missing parameters: %s", strings.Join(missing, ", ")).
			WithOp("Template.Bind").
			WithField("missing", missing).
			Err()
	}
	return args, nil
}

// skipQuoted returns the index just past the quoted run opening at start.
// Doubled quotes and backslash escapes stay inside the run. An unterminated
// run extends to the end of text.
func skipQuoted(text string, start int) int {
	q := text[start]
	for j := start + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			if q != '`' {
				j++
			}
		case q:
			if j+1 < len(text) && text[j+1] == q {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(text)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
