package dialect

import (
	"regexp"
	"strings"
)

// Rule is one ordered text substitution.
//
// When Expand is set it receives the submatches of each match and returns
// the replacement; otherwise Replace is used as a regexp template.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
	Expand  func(m []string) string
	// Nested rules are reapplied until the text stops changing, so a call
	// nested in a call of the same function is rewritten as well.
	Nested bool
	// Why records the constraint that fixes this rule's position.
	Why string
}

// maxNesting bounds how many times a Nested rule is reapplied.
const maxNesting = 16

// Apply runs the rule over text, once or to a fixed point for Nested rules.
func (r Rule) Apply(text string) string {
	if !r.Nested {
		return r.apply(text)
	}
	for i := 0; i < maxNesting; i++ {
		next := r.apply(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func (r Rule) apply(text string) string {
	if r.Expand == nil {
		return r.Pattern.ReplaceAllString(text, r.Replace)
	}
	return r.Pattern.ReplaceAllStringFunc(text, func(match string) string {
		return r.Expand(r.Pattern.FindStringSubmatch(match))
	})
}

// applyRules runs each rule once, in order.
func applyRules(rules []Rule, text string) string {
	for _, r := range rules {
		text = r.Apply(text)
	}
	return text
}

const (
	// flatArg is a single argument with no parentheses or commas.
	flatArg = `[^(),]+?`
	// nestedArg allows one level of parentheses, e.g. COUNT(x).
	nestedArg = `(?:[^()]|\([^()]*\))+?`
	// truncUnit lists the truncation units the origin dialect spells bare.
	truncUnit = `(DAY|WEEK|MONTH|QUARTER|YEAR)`
	// placeholder is a positional parameter emitted by Bind.
	placeholder = `(\$\d+)`
)

var castTypes = map[string]string{
	"STRING":   "TEXT",
	"INT64":    "BIGINT",
	"FLOAT64":  "DOUBLE PRECISION",
	"BOOL":     "BOOLEAN",
	"BYTES":    "BYTEA",
	"DATETIME": "TIMESTAMP",
}

var dateCastTypes = map[string]string{
	"DATE":      "date",
	"TIMESTAMP": "timestamptz",
	"DATETIME":  "timestamp",
}

var simpleOperand = regexp.MustCompile(`^(?:[\w.$]+|'[^']*')$`)

// Rules is the Syntax Rewriter's rule list. Rules run in slice order, each
// once (Nested rules to a fixed point), after Bind has turned @name markers
// into $n.
var Rules = []Rule{
	{
		Name:    "cast-types",
		Pattern: regexp.MustCompile(`(?i)(\bCAST\s*\(\s*` + nestedArg + `\s+AS\s+)(STRING|INT64|FLOAT64|BOOL|BYTES|DATETIME)(\s*\))`),
		Expand: func(m []string) string {
			return m[1] + castTypes[strings.ToUpper(m[2])] + m[3]
		},
		Nested: true,
		Why:    "runs before the membership rules so cast-in-unnest sees target type names",
	},
	{
		Name:    "current-timestamp",
		Pattern: regexp.MustCompile(`(?i)\bCURRENT_(TIMESTAMP|DATETIME|DATE|TIME)\s*\(\s*\)`),
		Expand: func(m []string) string {
			if strings.EqualFold(m[1], "DATETIME") {
				return "LOCALTIMESTAMP"
			}
			return "CURRENT_" + strings.ToUpper(m[1])
		},
		Why: "strips the empty argument list so DATE(CURRENT_TIMESTAMP()) is flat for date-cast",
	},
	{
		Name:    "date-cast",
		Pattern: regexp.MustCompile(`(?i)\b(DATE|TIMESTAMP|DATETIME)\s*\(\s*(` + flatArg + `)\s*\)`),
		Expand: func(m []string) string {
			operand := m[2]
			if !simpleOperand.MatchString(operand) {
				operand = "(" + operand + ")"
			}
			return operand + "::" + dateCastTypes[strings.ToUpper(m[1])]
		},
		Nested: true,
		Why:    "runs before the truncation and format rules so DATE(x) arguments are flat when they look",
	},
	{
		Name:    "array-length",
		Pattern: regexp.MustCompile(`(?i)\bARRAY_LENGTH\s*\(\s*(` + flatArg + `)\s*\)`),
		Replace: "COALESCE(array_length(${1}, 1), 0)",
		Why:     "target returns NULL for empty arrays; its own output has two arguments so it never rematches",
	},
	{
		Name: "format-of-trunc",
		Pattern: regexp.MustCompile(`(?i)\bFORMAT_(?:DATE|TIMESTAMP|DATETIME)\s*\(\s*'([^']*)'\s*,\s*` +
			`(?:DATE|TIMESTAMP|DATETIME)_TRUNC\s*\(\s*([^(),']+?)\s*,\s*` + truncUnit + `\s*\)\s*\)`),
		Expand: func(m []string) string {
			return "TO_CHAR(DATE_TRUNC('" + strings.ToLower(m[3]) + "', " + m[2] + "), '" + ToCharFormat(m[1]) + "')"
		},
		Why: "must precede date-trunc, which would rewrite the inner call into a form this pattern cannot see",
	},
	{
		Name:    "date-trunc",
		Pattern: regexp.MustCompile(`(?i)\b(?:DATE|TIMESTAMP|DATETIME)_TRUNC\s*\(\s*([^(),']+?)\s*,\s*` + truncUnit + `\s*\)`),
		Expand: func(m []string) string {
			return "DATE_TRUNC('" + strings.ToLower(m[2]) + "', " + m[1] + ")"
		},
		Why: "after format-of-trunc; the quoted unit in its output keeps it from rematching",
	},
	{
		Name:    "format-date",
		Pattern: regexp.MustCompile(`(?i)\bFORMAT_(?:DATE|TIMESTAMP|DATETIME)\s*\(\s*'([^']*)'\s*,\s*(` + flatArg + `)\s*\)`),
		Expand: func(m []string) string {
			return "TO_CHAR(" + m[2] + ", '" + ToCharFormat(m[1]) + "')"
		},
		Why: "after format-of-trunc so the composite form wins; flat arguments only",
	},
	{
		Name:    "ifnull",
		Pattern: regexp.MustCompile(`(?i)\bIFNULL\s*\(`),
		Replace: "COALESCE(",
	},
	{
		Name:    "logical-agg",
		Pattern: regexp.MustCompile(`(?i)\bLOGICAL_(OR|AND)\s*\(`),
		Expand: func(m []string) string {
			return "BOOL_" + strings.ToUpper(m[1]) + "("
		},
	},
	{
		Name: "not-in-unnest",
		Pattern: regexp.MustCompile(`(?i)(\bCAST\s*\(` + nestedArg + `\)|[\w.$]+(?:::\w+)?)\s+NOT\s+IN\s+UNNEST\s*\(\s*` +
			placeholder + `\s*\)`),
		Replace: "${1} <> ALL(${2})",
		Why:     "must precede in-unnest, which would otherwise take NOT as the tested operand",
	},
	{
		Name:    "cast-in-unnest",
		Pattern: regexp.MustCompile(`(?i)(\bCAST\s*\(` + nestedArg + `\))\s+IN\s+UNNEST\s*\(\s*` + placeholder + `\s*\)`),
		Replace: "${1} = ANY(${2})",
		Why:     "matches positional placeholders only, so it runs after Bind",
	},
	{
		Name:    "in-unnest",
		Pattern: regexp.MustCompile(`(?i)([\w.$]+(?:::\w+)?)\s+IN\s+UNNEST\s*\(\s*` + placeholder + `\s*\)`),
		Replace: "${1} = ANY(${2})",
		Why:     "matches positional placeholders only, so it runs after Bind",
	},
}

// Rewrite converts origin-dialect functions and operators in text.
func Rewrite(text string) string {
	return applyRules(Rules, text)
}

var toCharCodes = map[byte]string{
	'Y': "YYYY",
	'y': "YY",
	'm': "MM",
	'd': "DD",
	'e': "FMDD",
	'H': "HH24",
	'I': "HH12",
	'M': "MI",
	'S': "SS",
	'p': "AM",
	'b': "Mon",
	'h': "Mon",
	'B': "FMMonth",
	'a': "Dy",
	'A': "FMDay",
	'j': "DDD",
	'Q': "Q",
	'W': "IW",
	'U': "WW",
	'F': "YYYY-MM-DD",
	'D': "MM/DD/YY",
	'T': "HH24:MI:SS",
}

// ToCharFormat converts a strftime-style format string into a TO_CHAR
// pattern. Literal text containing letters is double-quoted so TO_CHAR does
// not read it as pattern codes. Unknown %-codes are kept as literals.
func ToCharFormat(format string) string {
	var out, lit strings.Builder
	flush := func() {
		if lit.Len() == 0 {
			return
		}
		s := lit.String()
		if strings.IndexFunc(s, isLetter) >= 0 {
			out.WriteString(`"` + s + `"`)
		} else {
			out.WriteString(s)
		}
		lit.Reset()
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			lit.WriteByte(c)
			continue
		}
		i++
		if format[i] == '%' {
			lit.WriteByte('%')
			continue
		}
		code, ok := toCharCodes[format[i]]
		if !ok {
			lit.WriteByte('%')
			lit.WriteByte(format[i])
			continue
		}
		flush()
		out.WriteString(code)
	}
	flush()
	return out.String()
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
