// Package store provides the tiered SQLite history of Anthropic usage polls:
// raw samples, detected window resets, and 5-minute, hourly and daily rollups.
//
// A Store owns exactly one database handle behind a mutex. If the database
// cannot be opened or migrated the store marks itself unavailable and every
// operation degrades to a no-op, so live polling keeps working without history.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onllm-dev/onwatch-history/internal/metrics"
	_ "modernc.org/sqlite"
)

const (
	// DefaultRetentionDays bounds how long rollups and reset events are kept.
	DefaultRetentionDays = 90

	// DefaultPollInterval is the width given to raw samples in range queries.
	DefaultPollInterval = 60 * time.Second

	metaLastRollup = "last_rollup_timestamp"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store is the history database. All methods are safe for concurrent use;
// they are serialised on a single mutex.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	available bool
	closed    bool

	path              string
	logger            *slog.Logger
	now               func() time.Time
	retentionDays     int
	pollInterval      time.Duration
	resetsAtTolerance time.Duration
	metrics           metrics.Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetentionDays sets the horizon used by RunMaintenance.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithPollInterval sets the synthetic period width of raw samples returned by
// GetResolvedRange.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithResetsAtTolerance ignores five-hour resets_at changes smaller than d.
// Zero (the default) treats any change as a reset.
func WithResetsAtTolerance(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.resetsAtTolerance = d
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a Store for dbPath without touching the filesystem.
func New(dbPath string, opts ...Option) *Store {
	s := &Store{
		path:          dbPath,
		logger:        slog.Default(),
		now:           time.Now,
		retentionDays: DefaultRetentionDays,
		pollInterval:  DefaultPollInterval,
		metrics:       metrics.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a Store and initialises it. The returned Store is always
// usable; a non-nil error means it is running unavailable.
func Open(dbPath string, opts ...Option) (*Store, error) {
	s := New(dbPath, opts...)
	return s, s.Init()
}

// Init opens the database and brings the schema up to date. On failure the
// store becomes unavailable and the error is logged and returned.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.connect(); err != nil {
		s.available = false
		s.logger.Error("History store unavailable, continuing without history",
			"path", s.path,
			"error", err,
		)
		return err
	}

	if err := s.ensureSchema(); err != nil {
		s.available = false
		s.db.Close()
		s.db = nil
		s.logger.Error("History schema setup failed, continuing without history",
			"path", s.path,
			"error", err,
		)
		return err
	}

	s.available = true
	return nil
}

// connect returns the shared handle, opening it on first use. Caller holds s.mu.
func (s *Store) connect() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	if s.closed {
		return nil, ErrClosed
	}

	if s.path != ":memory:" && !strings.HasPrefix(s.path, "file:") {
		if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
			return nil, &StorageOpenFailedError{Path: s.path, Err: err}
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, &StorageOpenFailedError{Path: s.path, Err: err}
	}

	// One connection: the store is a single logical reader/writer, and an
	// in-memory database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-500;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &StorageOpenFailedError{Path: s.path, Err: fmt.Errorf("failed to set pragma: %w", err)}
		}
	}

	s.db = db
	return db, nil
}

// IsAvailable reports whether the schema was initialised successfully.
func (s *Store) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Path returns the database path the store was created with.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle. Further calls degrade to no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.available = false
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SchemaVersion returns the stored schema version.
func (s *Store) SchemaVersion() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return 0, nil
	}
	v, err := userVersion(s.db)
	return v, queryFailed("SchemaVersion", err)
}

// DatabaseSizeBytes returns the size of the database in bytes, or 0 when the
// store is unavailable.
func (s *Store) DatabaseSizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return 0
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		s.logger.Debug("Failed to read page_count", "error", err)
		return 0
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		s.logger.Debug("Failed to read page_size", "error", err)
		return 0
	}
	size := pageCount * pageSize
	s.metrics.DatabaseSize(size)
	return size
}

// LastRollupTime returns when maintenance last committed. ok is false if it
// never has.
func (s *Store) LastRollupTime() (t time.Time, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return time.Time{}, false, nil
	}
	value, found, err := getMetadata(s.db, metaLastRollup)
	if err != nil || !found {
		return time.Time{}, false, queryFailed("LastRollupTime", err)
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, queryFailed("LastRollupTime", fmt.Errorf("bad %s value %q: %w", metaLastRollup, value, err))
	}
	return fromMillis(ms), true, nil
}

func getMetadata(q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRow("SELECT value FROM rollup_metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func setMetadata(q querier, key, value string) error {
	if _, err := q.Exec("INSERT OR REPLACE INTO rollup_metadata (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
