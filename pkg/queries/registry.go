// Package queries manages named queries stored as .sql files.
//
// A query's name is its path below the query root without the extension,
// with directory separators replaced by dots:
//
//	queries/
//	├── people/
//	│   ├── by_chapter.sql     -> people.by_chapter
//	│   └── in_teams.sql       -> people.in_teams
//	└── meetings_by_week.sql   -> meetings_by_week
//
// Names are matched case-insensitively. Query text is stored in the origin
// dialect and translated at execution time.
package queries

import (
	"sort"
	"strings"
	"sync"
	"time"

	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
)

// Query is one named query.
type Query struct {
	Name        string
	Description string // leading -- comment lines, if any
	Text        string
	// Params lists the distinct @name parameters in first-occurrence order.
	Params      []string
	SourceFile  string
	SourceHash  string
	LoadedAt    time.Time
	Annotations Annotations
}

// Timeout returns the per-execution deadline, or zero for none.
func (q *Query) Timeout() time.Duration {
	return q.Annotations.GetDuration("timeout", 0)
}

// Bare reports whether the query runs without parameter binding.
func (q *Query) Bare() bool {
	return q.Annotations.GetBool("bare")
}

// Deprecated reports whether running the query should log a warning.
func (q *Query) Deprecated() bool {
	return q.Annotations.GetBool("deprecated")
}

// Registry holds named queries. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	queries map[string]*Query // key: lowercase name
	byFile  map[string]*Query // key: source file path
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		queries: make(map[string]*Query),
		byFile:  make(map[string]*Query),
	}
}

// Register adds or replaces a query. Registering a name that another file
// already provides is an error.
func (r *Registry) Register(q *Query) error {
	if q == nil || q.Name == "" {
		return pcerrors.New(pcerrors.ErrCodeQueryLoad, "query has no name").
			WithOp("Registry.Register").
			Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(q.Name)
	if existing, ok := r.queries[key]; ok && existing.SourceFile != q.SourceFile {
		return pcerrors.Newf(pcerrors.ErrCodeQueryLoad,
			"query %s already registered from %s", q.Name, existing.SourceFile).
			WithOp("Registry.Register").
			WithField("query", q.Name).
			WithField("path", q.SourceFile).
			Err()
	}

	r.queries[key] = q
	if q.SourceFile != "" {
		r.byFile[q.SourceFile] = q
	}
	return nil
}

// Unregister removes a query by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	q, ok := r.queries[key]
	if !ok {
		return notFound(name, "Registry.Unregister")
	}
	delete(r.queries, key)
	if q.SourceFile != "" {
		delete(r.byFile, q.SourceFile)
	}
	return nil
}

// Lookup finds a query by name.
func (r *Registry) Lookup(name string) (*Query, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if q, ok := r.queries[strings.ToLower(name)]; ok {
		return q, nil
	}
	return nil, notFound(name, "Registry.Lookup")
}

// LookupByFile finds a query by its source file.
func (r *Registry) LookupByFile(path string) (*Query, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if q, ok := r.byFile[path]; ok {
		return q, nil
	}
	return nil, pcerrors.Newf(pcerrors.ErrCodeQueryNotFound,
		"no query loaded from: %s", path).
		WithOp("Registry.LookupByFile").
		WithField("path", path).
		Err()
}

// List returns all queries sorted by name.
func (r *Registry) List() []*Query {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Query, 0, len(r.queries))
	for _, q := range r.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered queries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queries)
}

func notFound(name, op string) error {
	return pcerrors.Newf(pcerrors.ErrCodeQueryNotFound, "query not found: %s", name).
		WithOp(op).
		WithField("query", name).
		Err()
}
