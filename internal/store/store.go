package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/metrics"
	"github.com/roach88/livequery/internal/trigger"
	"github.com/roach88/livequery/internal/txn"
)

// DefaultMaxOpenConns limits the pool to one connection. SQLite allows a
// single writer, and a transaction pins its connection until it ends.
const DefaultMaxOpenConns = 1

// Store is a SQLite database whose mutations notify live queries.
//
// Thread-safety: all methods are safe for concurrent use. Transactions are
// scoped to the context.Context returned by NewTransaction.
type Store struct {
	db        *sql.DB
	bus       *trigger.Bus
	logger    *slog.Logger
	metrics   *metrics.Metrics
	scheduler engine.Scheduler
	ids       engine.IDGenerator
	maxOwed   int
	maxConns  int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store and its live queries.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithScheduler sets the delivery context for live queries created by the
// store. Default: engine.GoScheduler.
func WithScheduler(sched engine.Scheduler) Option {
	return func(s *Store) {
		s.scheduler = sched
	}
}

// WithMaxOwed bounds each subscription's owed-delivery queue.
func WithMaxOwed(n int) Option {
	return func(s *Store) {
		s.maxOwed = n
	}
}

// WithMaxOpenConns sets the connection pool size. Values < 1 are ignored.
func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.maxConns = n
		}
	}
}

// WithMetrics sets the collectors updated by the store and its live queries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithIDGenerator sets the subscription id generator.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// Open creates or opens a SQLite database at path.
//
// Every connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - foreign key enforcement
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		bus:       trigger.NewBus(),
		logger:    slog.Default(),
		scheduler: engine.GoScheduler{},
		ids:       engine.UUIDv7Generator{},
		maxOwed:   engine.DefaultMaxOwed,
		maxConns:  DefaultMaxOpenConns,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(s.maxConns)
	db.SetMaxIdleConns(s.maxConns)
	s.db = db

	s.bus.OnPublish = func(set trigger.Set) {
		s.metrics.Published()
		s.logger.Debug("tables changed", "tables", set.String())
	}
	return s, nil
}

// dsn appends the connection pragmas to path. They are applied by the driver
// on every new connection, not only the first.
func dsn(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + params.Encode()
}

// Close completes every live query and closes the database.
func (s *Store) Close() error {
	s.bus.Close()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. Writes made through it bypass change
// tracking; use ExecuteAndTrigger to notify live queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Feed returns the bus that live queries subscribe to.
func (s *Store) Feed() *trigger.Bus {
	return s.bus
}

// querier is the subset of *sql.DB and *sql.Tx used by the write path.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// conn returns the open transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) querier {
	c := txn.FromContext(ctx)
	if c == nil {
		return s.db
	}
	root := c.Root()
	if root == nil {
		return s.db
	}
	if t, ok := root.Finalizer().(*rootTx); ok && t.store == s {
		return t.tx
	}
	return s.db
}

// sendTableTrigger routes set to the open scope, or straight to the bus.
func (s *Store) sendTableTrigger(ctx context.Context, set trigger.Set) {
	if scope := txn.Current(ctx); scope != nil {
		scope.AddAll(set)
		return
	}
	s.bus.Publish(set)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if !strings.EqualFold(value, expected) {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
