package queries

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ha1tch/pgcompat/pkg/dialect"
	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
	"github.com/ha1tch/pgcompat/pkg/log"
)

// Loader reads query files below a root directory.
type Loader struct {
	root   string
	logger *log.Logger
}

// NewLoader creates a loader for root.
func NewLoader(root string, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Discard()
	}
	return &Loader{root: root, logger: logger}
}

// LoadResult holds the result of loading a directory.
type LoadResult struct {
	Queries []*Query
	Errors  []LoadError
}

// LoadError records a file that could not be loaded.
type LoadError struct {
	Path  string
	Error error
}

// Name returns the query name for a file below the root.
func (l *Loader) Name(path string) (string, error) {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", pcerrors.Newf(pcerrors.ErrCodeQueryLoad, "%s is outside %s", path, l.root).
			WithOp("Loader.Name").
			Err()
	}
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(rel, "/", "."), nil
}

// LoadDirectory loads every .sql file below the root. Hidden files and
// directories are skipped. Files that fail to load are reported in the
// result and do not stop the walk.
func (l *Loader) LoadDirectory() (*LoadResult, error) {
	info, err := os.Stat(l.root)
	if err != nil {
		return nil, pcerrors.Wrap(err, pcerrors.ErrCodeQueryLoad, "query directory not found").
			WithOp("Loader.LoadDirectory").
			WithField("path", l.root).
			Err()
	}
	if !info.IsDir() {
		return nil, pcerrors.Newf(pcerrors.ErrCodeQueryLoad, "not a directory: %s", l.root).
			WithOp("Loader.LoadDirectory").
			Err()
	}

	result := &LoadResult{}
	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result.Errors = append(result.Errors, LoadError{Path: path, Error: err})
			return nil
		}
		if path != l.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isQueryFile(path) {
			return nil
		}

		q, err := l.LoadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, LoadError{Path: path, Error: err})
			return nil
		}
		result.Queries = append(result.Queries, q)
		return nil
	})
	if err != nil {
		return nil, pcerrors.Wrap(err, pcerrors.ErrCodeQueryLoad, "failed to walk query directory").
			WithOp("Loader.LoadDirectory").
			WithField("path", l.root).
			Err()
	}

	l.logger.Registry().Info("query directory loaded",
		"root", l.root,
		"queries", len(result.Queries),
		"errors", len(result.Errors),
	)
	return result, nil
}

// LoadFile reads one query file.
func (l *Loader) LoadFile(path string) (*Query, error) {
	name, err := l.Name(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pcerrors.Wrap(err, pcerrors.ErrCodeQueryLoad, "failed to read query file").
			WithOp("Loader.LoadFile").
			WithField("path", path).
			Err()
	}

	text := string(data)
	if strings.TrimSpace(stripComments(text)) == "" {
		return nil, pcerrors.Newf(pcerrors.ErrCodeQueryLoad, "query file is empty: %s", path).
			WithOp("Loader.LoadFile").
			WithField("path", path).
			Err()
	}

	annotations, err := ParseAnnotations(text)
	if err != nil {
		return nil, pcerrors.Wrap(err, pcerrors.ErrCodeQueryLoad, "invalid query file header").
			WithOp("Loader.LoadFile").
			WithField("path", path).
			Err()
	}

	q := &Query{
		Name:        name,
		Description: description(text),
		Text:        text,
		SourceFile:  path,
		LoadedAt:    time.Now(),
		Annotations: annotations,
	}
	if !q.Bare() {
		q.Params = dialect.Bind(text).Names
	}
	sum := sha256.Sum256(data)
	q.SourceHash = hex.EncodeToString(sum[:])
	return q, nil
}

// Load reads root into a new registry. Files that fail to load are logged
// and skipped.
func Load(root string, logger *log.Logger) (*Registry, error) {
	l := NewLoader(root, logger)
	result, err := l.LoadDirectory()
	if err != nil {
		return nil, err
	}
	for _, le := range result.Errors {
		l.logger.Registry().Warn("skipping query file", "path", le.Path, "error", le.Error.Error())
	}

	reg := NewRegistry()
	for _, q := range result.Queries {
		if err := reg.Register(q); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func isQueryFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".sql")
}

// description collects the leading -- comment lines.
func description(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "--") {
			break
		}
		if strings.HasPrefix(line, AnnotationPrefix) {
			continue
		}
		if s := strings.TrimSpace(strings.TrimPrefix(line, "--")); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, " ")
}

func stripComments(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
