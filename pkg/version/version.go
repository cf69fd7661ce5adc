// Package version exposes the pgcompat release string.
package version

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var versionFile string

// Version is embedded from version.txt at compile time.
var Version = strings.TrimSpace(versionFile)

// Full returns the version prefixed with the program name.
func Full() string {
	return "pgcompat version " + Version
}
