package store

import (
	"context"
	"database/sql"

	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/errs"
	"github.com/roach88/livequery/internal/trigger"
)

// Query runs a one-shot read. Inside a transaction it sees the
// transaction's uncommitted writes. Callers must close the returned rows.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errs.Store(stmt, err)
	}
	return rows, nil
}

// CreateQuery returns a live query that re-runs stmt whenever any of tables
// changes.
func (s *Store) CreateQuery(tables []string, stmt string, args ...any) *engine.Observable {
	return s.CreateQueryMatching(trigger.AnyOf(trigger.FoldAll(tables...)), stmt, args...)
}

// CreateQueryMatching returns a live query that re-runs stmt whenever match
// accepts a published set of changed tables. Table names in published sets
// are case-folded (see trigger.Fold).
func (s *Store) CreateQueryMatching(match trigger.Filter, stmt string, args ...any) *engine.Observable {
	def := engine.Definition{
		Statement: stmt,
		Args:      args,
		Match:     match,
		Run:       s.runner(stmt, args),
	}
	return engine.NewObservable(def, s.bus, s.observableOptions()...)
}

// runner always reads through the pool: deliveries run outside any
// caller's transaction and observe committed state only.
func (s *Store) runner(stmt string, args []any) engine.RunFunc {
	return func(ctx context.Context) (engine.Rows, error) {
		rows, err := s.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return nil, err
		}
		return rows, nil
	}
}

func (s *Store) observableOptions() []engine.Option {
	return []engine.Option{
		engine.WithScheduler(s.scheduler),
		engine.WithLogger(s.logger),
		engine.WithMetrics(s.metrics),
		engine.WithIDGenerator(s.ids),
		engine.WithMaxOwed(s.maxOwed),
	}
}
