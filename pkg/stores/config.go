package stores

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/borgmanager/borgmanager/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver every store opens.
const DriverName = "sqlite"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds the settings for one store's connection.
type Config struct {
	// Path is the database file, or MemoryPath.
	Path string

	// BusyTimeout is how long SQLite waits on a file lock held by another
	// connection before failing. Default: 5s.
	BusyTimeout time.Duration

	// JournalMode is the SQLite journal mode. Default: WAL.
	JournalMode string

	// Synchronous is the SQLite synchronous mode. Default: NORMAL.
	Synchronous string

	// Batch keeps writes in an open transaction until Commit or Stop.
	// Only safe when no other connection writes to the same file.
	Batch bool
}

// DefaultConfig returns the defaults for a store backed by path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Path)
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = d.BusyTimeout
	}
	if c.JournalMode == "" {
		c.JournalMode = d.JournalMode
	}
	if c.Synchronous == "" {
		c.Synchronous = d.Synchronous
	}
	return c
}

// DSN builds the modernc.org/sqlite data source name with pragmas applied
// on connect.
func (c Config) DSN() (string, error) {
	if c.Path == "" {
		return "", fmt.Errorf("database path is required")
	}
	c = c.withDefaults()

	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "foreign_keys(ON)")
	params.Add("_pragma", fmt.Sprintf("synchronous(%s)", strings.ToUpper(c.Synchronous)))
	if c.Path != MemoryPath {
		params.Add("_pragma", fmt.Sprintf("journal_mode(%s)", strings.ToUpper(c.JournalMode)))
	}

	if c.Path == MemoryPath {
		return "file::memory:?" + params.Encode(), nil
	}
	// SQLite percent-decodes URI filenames, so '?', '#' and '%' in the path
	// must be escaped to keep them out of the query.
	path := (&url.URL{Path: c.Path}).EscapedPath()
	return "file:" + path + "?" + params.Encode(), nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTableName reports whether name can be interpolated into SQL as a table.
func ValidTableName(name string) bool {
	return identifierPattern.MatchString(name)
}

// Option configures instrumentation for a store.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

func newOptions(opts []Option) options {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "stores").Logger()
	return o
}

// WithLogger sets the logger. Default: the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records statement and upsert metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer wraps store operations in spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}
