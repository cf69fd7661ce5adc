package dialect

import "regexp"

// NormalizeRules strip origin-dialect table decoration. Like Rules they run
// in slice order, each once.
var NormalizeRules = []Rule{
	{
		Name:    "catalog",
		Pattern: regexp.MustCompile("(?i)`?(?:[\\w-]+\\.){1,2}(INFORMATION_SCHEMA\\.\\w+)`?"),
		Replace: "${1}",
		Why:     "catalog views keep their own dot, so they are peeled before the generic rules see them",
	},
	{
		Name:    "qualified",
		Pattern: regexp.MustCompile("`(?:[^`.\\s]+\\.){1,2}([^`.\\s]+)`"),
		Replace: "${1}",
		Why:     "must precede quoted; once the backticks are gone the qualifiers can no longer be told apart from column references",
	},
	{
		Name:    "quoted",
		Pattern: regexp.MustCompile("`([^`]+)`"),
		Replace: "${1}",
	},
}

// Normalize reduces `project.dataset.table` references to bare table names
// and removes backtick quoting.
func Normalize(text string) string {
	return applyRules(NormalizeRules, text)
}
