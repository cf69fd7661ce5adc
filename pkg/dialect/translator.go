package dialect

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of compiled templates a Translator keeps.
const DefaultCacheSize = 512

// Translated is target-dialect text with its positional arguments.
type Translated struct {
	Text  string
	Args  []any
	Names []string
}

type cacheKey struct {
	bare bool
	text string
}

// Translator runs the Bind, Normalize, Rewrite pipeline and caches the
// parameter-independent part of the result per query text.
// It is safe for concurrent use.
type Translator struct {
	policy MissingParamPolicy
	size   int
	cache  *lru.Cache[cacheKey, Template]
}

// Option configures a Translator.
type Option func(*Translator)

// WithMissingParamPolicy sets how unmapped parameter names are bound.
func WithMissingParamPolicy(p MissingParamPolicy) Option {
	return func(t *Translator) {
		t.policy = p
	}
}

// WithCacheSize sets the template cache size. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(t *Translator) {
		t.size = n
	}
}

// NewTranslator creates a Translator. The default policy is BindNull.
func NewTranslator(opts ...Option) *Translator {
	t := &Translator{policy: BindNull, size: DefaultCacheSize}
	for _, opt := range opts {
		opt(t)
	}
	if t.size > 0 {
		// lru.New only fails for a non-positive size.
		t.cache, _ = lru.New[cacheKey, Template](t.size)
	}
	return t
}

// Policy returns the translator's missing parameter policy.
func (t *Translator) Policy() MissingParamPolicy {
	return t.policy
}

// Compile translates text without binding values. A bare query skips Bind,
// so any @name in it is passed through untouched.
func (t *Translator) Compile(text string, bare bool) Template {
	key := cacheKey{bare: bare, text: text}
	if t.cache != nil {
		if tmpl, ok := t.cache.Get(key); ok {
			return tmpl
		}
	}

	tmpl := Template{Text: text}
	if !bare {
		tmpl = Bind(text)
	}
	tmpl.Text = Rewrite(Normalize(tmpl.Text))

	if t.cache != nil {
		t.cache.Add(key, tmpl)
	}
	return tmpl
}

// Translate compiles text and binds params. A nil params map marks the
// bare-string form.
func (t *Translator) Translate(text string, params map[string]any) (Translated, error) {
	tmpl := t.Compile(text, params == nil)
	args, err := tmpl.Bind(params, t.policy)
	if err != nil {
		return Translated{}, err
	}
	return Translated{Text: tmpl.Text, Args: args, Names: tmpl.Names}, nil
}

// CacheLen returns the number of cached templates.
func (t *Translator) CacheLen() int {
	if t.cache == nil {
		return 0
	}
	return t.cache.Len()
}
