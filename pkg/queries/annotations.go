package queries

import (
	"sort"
	"strconv"
	"strings"
	"time"

	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
)

// AnnotationPrefix marks a directive line in a query file header:
//
//	-- @pgcompat:timeout=5s
//	-- @pgcompat:deprecated
//	SELECT ...
//
// A directive with no value is a boolean flag. Only the header block before
// the first statement line is read.
const AnnotationPrefix = "-- @pgcompat:"

// KnownAnnotations documents the accepted directive keys.
var KnownAnnotations = map[string]string{
	"timeout":    "duration: deadline for each execution of the query",
	"bare":       "bool: run as a bare string; parameters are not bound",
	"deprecated": "bool: log a warning whenever the query runs",
}

// Annotations holds the directives of one query file.
type Annotations map[string]string

// Has reports whether key is present.
func (a Annotations) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// GetBool returns true for a bare flag or a true-ish value.
func (a Annotations) GetBool(key string) bool {
	v, ok := a[key]
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// GetDuration parses the value for key, or returns def if it is absent or
// malformed.
func (a Annotations) GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := a[key]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// ParseAnnotations reads the directive lines at the top of text. Unknown
// keys and malformed values are errors.
func ParseAnnotations(text string) (Annotations, error) {
	set := make(Annotations)
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "--") {
			break
		}
		if !strings.HasPrefix(trimmed, AnnotationPrefix) {
			continue
		}

		content := strings.TrimSpace(strings.TrimPrefix(trimmed, AnnotationPrefix))
		key, value, _ := strings.Cut(content, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if _, ok := KnownAnnotations[key]; !ok {
			return nil, annotationError(i+1, key, "unknown directive %q (known: %s)", key, knownKeys())
		}
		if err := checkAnnotation(key, value); err != nil {
			return nil, annotationError(i+1, key, "invalid %s: %v", key, err)
		}
		set[key] = value
	}
	return set, nil
}

func checkAnnotation(key, value string) error {
	switch key {
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		if d <= 0 {
			return strconv.ErrRange
		}
	case "bare", "deprecated":
		if value != "" {
			_, err := strconv.ParseBool(value)
			return err
		}
	}
	return nil
}

func annotationError(line int, key, format string, args ...any) error {
	return pcerrors.Newf(pcerrors.ErrCodeQueryLoad, format, args...).
		WithOp("ParseAnnotations").
		WithField("line", line).
		WithField("annotation", key).
		Err()
}

func knownKeys() string {
	keys := make([]string, 0, len(KnownAnnotations))
	for k := range KnownAnnotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
