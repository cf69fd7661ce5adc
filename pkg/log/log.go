// Package log provides categorised, structured logging for pgcompat.
//
// Categories:
//   - system: process lifecycle and configuration
//   - query: statement translation and execution
//   - pool: connection acquisition, transactions, backend health
//   - registry: named query loading and hot reload
//   - performance: timings
//
// Each category has its own level. Fields are passed as alternating
// key/value pairs.
package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	}
	return "UNKNOWN"
}

// MarshalJSON renders the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	case "off", "none":
		return LevelOff, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// Category identifies a subsystem.
type Category string

const (
	CategorySystem      Category = "system"
	CategoryQuery       Category = "query"
	CategoryPool        Category = "pool"
	CategoryRegistry    Category = "registry"
	CategoryPerformance Category = "performance"
)

var allCategories = []Category{
	CategorySystem,
	CategoryQuery,
	CategoryPool,
	CategoryRegistry,
	CategoryPerformance,
}

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// Entry is a single log record.
type Entry struct {
	Time      time.Time              `json:"time"`
	Level     Level                  `json:"level"`
	Category  Category               `json:"category"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config configures a Logger.
type Config struct {
	DefaultLevel   Level
	CategoryLevels map[Category]Level
	Output         io.Writer // os.Stderr if nil
	Format         Format
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() Config {
	return Config{
		DefaultLevel: LevelInfo,
		Output:       os.Stderr,
		Format:       FormatText,
	}
}

// Logger writes entries for all categories.
type Logger struct {
	mu     sync.RWMutex
	levels map[Category]Level
	out    io.Writer
	format Format

	writeMu sync.Mutex
	now     func() time.Time
}

// New creates a logger.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	l := &Logger{
		levels: make(map[Category]Level, len(allCategories)),
		out:    cfg.Output,
		format: cfg.Format,
		now:    time.Now,
	}
	for _, cat := range allCategories {
		l.levels[cat] = cfg.DefaultLevel
	}
	for cat, level := range cfg.CategoryLevels {
		l.levels[cat] = level
	}
	return l
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(Config{DefaultLevel: LevelOff, Output: io.Discard})
}

// SetLevel changes the level of one category.
func (l *Logger) SetLevel(cat Category, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[cat] = level
}

// Enabled reports whether level would be written for cat.
func (l *Logger) Enabled(cat Category, level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level != LevelOff && level >= l.levels[cat]
}

func (l *Logger) System() *CategoryLogger      { return &CategoryLogger{l, CategorySystem} }
func (l *Logger) Query() *CategoryLogger       { return &CategoryLogger{l, CategoryQuery} }
func (l *Logger) Pool() *CategoryLogger        { return &CategoryLogger{l, CategoryPool} }
func (l *Logger) Registry() *CategoryLogger    { return &CategoryLogger{l, CategoryRegistry} }
func (l *Logger) Performance() *CategoryLogger { return &CategoryLogger{l, CategoryPerformance} }

func (l *Logger) log(ctx context.Context, level Level, cat Category, msg string, err error, fields []interface{}) {
	if !l.Enabled(cat, level) {
		return
	}

	entry := Entry{
		Time:     l.now(),
		Level:    level,
		Category: cat,
		Message:  msg,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if ctx != nil {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	if len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			if key, ok := fields[i].(string); ok {
				entry.Fields[key] = fields[i+1]
			}
		}
	}

	var line []byte
	if l.format == FormatJSON {
		data, jerr := json.Marshal(entry)
		if jerr != nil {
			entry.Fields = map[string]interface{}{"marshal_error": jerr.Error()}
			data, _ = json.Marshal(entry)
		}
		line = append(data, '\n')
	} else {
		line = []byte(formatText(&entry))
	}

	l.writeMu.Lock()
	l.out.Write(line)
	l.writeMu.Unlock()
}

// formatText renders an entry on one line with fields sorted by key.
func formatText(e *Entry) string {
	var b strings.Builder
	b.WriteString(e.Time.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&b, " %-5s [%s] %s", e.Level, e.Category, e.Message)
	if e.RequestID != "" {
		b.WriteString(" request_id=")
		b.WriteString(e.RequestID)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	b.WriteByte('\n')
	return b.String()
}

// CategoryLogger is a Logger bound to one category.
type CategoryLogger struct {
	logger   *Logger
	category Category
}

func (c *CategoryLogger) Debug(msg string, fields ...interface{}) {
	c.logger.log(nil, LevelDebug, c.category, msg, nil, fields)
}

func (c *CategoryLogger) Info(msg string, fields ...interface{}) {
	c.logger.log(nil, LevelInfo, c.category, msg, nil, fields)
}

func (c *CategoryLogger) Warn(msg string, fields ...interface{}) {
	c.logger.log(nil, LevelWarn, c.category, msg, nil, fields)
}

func (c *CategoryLogger) Error(msg string, err error, fields ...interface{}) {
	c.logger.log(nil, LevelError, c.category, msg, err, fields)
}

// Ctx returns a logger that stamps entries with the request ID in ctx.
func (c *CategoryLogger) Ctx(ctx context.Context) *FieldLogger {
	return &FieldLogger{parent: c, ctx: ctx}
}

// WithFields returns a logger with preset fields.
func (c *CategoryLogger) WithFields(fields ...interface{}) *FieldLogger {
	return &FieldLogger{parent: c, fields: fields}
}

// FieldLogger carries preset fields and an optional context.
type FieldLogger struct {
	parent *CategoryLogger
	ctx    context.Context
	fields []interface{}
}

func (f *FieldLogger) merge(extra []interface{}) []interface{} {
	out := make([]interface{}, 0, len(f.fields)+len(extra))
	out = append(out, f.fields...)
	return append(out, extra...)
}

// WithFields adds more preset fields.
func (f *FieldLogger) WithFields(fields ...interface{}) *FieldLogger {
	return &FieldLogger{parent: f.parent, ctx: f.ctx, fields: f.merge(fields)}
}

func (f *FieldLogger) Debug(msg string, fields ...interface{}) {
	f.parent.logger.log(f.ctx, LevelDebug, f.parent.category, msg, nil, f.merge(fields))
}

func (f *FieldLogger) Info(msg string, fields ...interface{}) {
	f.parent.logger.log(f.ctx, LevelInfo, f.parent.category, msg, nil, f.merge(fields))
}

func (f *FieldLogger) Warn(msg string, fields ...interface{}) {
	f.parent.logger.log(f.ctx, LevelWarn, f.parent.category, msg, nil, f.merge(fields))
}

func (f *FieldLogger) Error(msg string, err error, fields ...interface{}) {
	f.parent.logger.log(f.ctx, LevelError, f.parent.category, msg, err, f.merge(fields))
}

type contextKey int

const contextKeyRequestID contextKey = iota

// WithRequestID stores a request ID for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext returns the stored request ID, if any.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}
