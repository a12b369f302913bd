package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/livequery/internal/errs"
	"github.com/roach88/livequery/internal/trigger"
)

// Values maps column names to the values written to them.
type Values map[string]any

// columns returns the column names in a stable order.
func (v Values) columns() []string {
	cols := make([]string, 0, len(v))
	for c := range v {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Conflict is the algorithm applied when a write violates a constraint.
type Conflict int

const (
	// ConflictNone uses the table's own conflict clause (ABORT by default).
	ConflictNone Conflict = iota
	ConflictRollback
	ConflictAbort
	ConflictFail
	ConflictIgnore
	ConflictReplace
)

// clause returns the "OR ..." fragment for the conflict algorithm.
func (c Conflict) clause() string {
	switch c {
	case ConflictRollback:
		return " OR ROLLBACK"
	case ConflictAbort:
		return " OR ABORT"
	case ConflictFail:
		return " OR FAIL"
	case ConflictIgnore:
		return " OR IGNORE"
	case ConflictReplace:
		return " OR REPLACE"
	default:
		return ""
	}
}

func (c Conflict) String() string {
	if c == ConflictNone {
		return "NONE"
	}
	return strings.TrimPrefix(c.clause(), " OR ")
}

// ParseConflict is the inverse of Conflict.String. It is case-insensitive
// and maps the empty string to ConflictNone.
func ParseConflict(name string) (Conflict, error) {
	if name == "" {
		return ConflictNone, nil
	}
	for c := ConflictNone; c <= ConflictReplace; c++ {
		if strings.EqualFold(name, c.String()) {
			return c, nil
		}
	}
	return ConflictNone, fmt.Errorf("unknown conflict algorithm %q", name)
}

// quoteIdent quotes a SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Insert inserts one row into table and returns its rowid.
//
// Live queries on table are notified only if a row was actually inserted.
// When the conflict algorithm skipped the row, Insert returns -1 and nothing
// is notified.
func (s *Store) Insert(ctx context.Context, table string, values Values, conflict Conflict) (int64, error) {
	var stmt string
	var args []any
	if len(values) == 0 {
		stmt = fmt.Sprintf("INSERT%s INTO %s DEFAULT VALUES", conflict.clause(), quoteIdent(table))
	} else {
		cols := values.columns()
		quoted := make([]string, len(cols))
		args = make([]any, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			args[i] = values[c]
		}
		stmt = fmt.Sprintf("INSERT%s INTO %s (%s) VALUES (%s)",
			conflict.clause(),
			quoteIdent(table),
			strings.Join(quoted, ", "),
			placeholders(len(cols)),
		)
	}

	id, err := s.executeInsert(ctx, trigger.FoldAll(table), stmt, args...)
	if err != nil {
		return -1, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

// Update updates the rows of table matching where and returns how many
// changed. An empty where updates every row. Live queries on table are
// notified only if at least one row changed.
func (s *Store) Update(ctx context.Context, table string, values Values, conflict Conflict, where string, whereArgs ...any) (int64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("update %s: no values", table)
	}

	cols := values.columns()
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(whereArgs))
	for i, c := range cols {
		sets[i] = quoteIdent(c) + " = ?"
		args = append(args, values[c])
	}
	args = append(args, whereArgs...)

	stmt := fmt.Sprintf("UPDATE%s %s SET %s", conflict.clause(), quoteIdent(table), strings.Join(sets, ", "))
	if where != "" {
		stmt += " WHERE " + where
	}

	n, err := s.executeUpdateDelete(ctx, trigger.FoldAll(table), stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return n, nil
}

// Delete deletes the rows of table matching where and returns how many were
// removed. An empty where deletes every row. Live queries on table are
// notified only if at least one row was removed.
func (s *Store) Delete(ctx context.Context, table string, where string, whereArgs ...any) (int64, error) {
	stmt := "DELETE FROM " + quoteIdent(table)
	if where != "" {
		stmt += " WHERE " + where
	}

	n, err := s.executeUpdateDelete(ctx, trigger.FoldAll(table), stmt, whereArgs...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return n, nil
}

// Execute runs a statement without notifying anyone. Use it for schema
// changes and for writes to tables nobody observes.
func (s *Store) Execute(ctx context.Context, stmt string, args ...any) error {
	if _, err := s.conn(ctx).ExecContext(ctx, stmt, args...); err != nil {
		return errs.Store(stmt, err)
	}
	return nil
}

// ExecuteAndTrigger runs a statement and, if it succeeds, notifies live
// queries on tables. The notification is sent whether or not the statement
// changed any row; callers are trusted to know it was effectful.
func (s *Store) ExecuteAndTrigger(ctx context.Context, tables []string, stmt string, args ...any) error {
	if err := s.Execute(ctx, stmt, args...); err != nil {
		return err
	}
	s.sendTableTrigger(ctx, trigger.FoldAll(tables...))
	return nil
}

// ExecuteInsert runs an INSERT statement and returns the rowid of the new
// row, or -1 if none was inserted. Live queries on tables are notified only
// if a row was inserted.
func (s *Store) ExecuteInsert(ctx context.Context, tables []string, stmt string, args ...any) (int64, error) {
	return s.executeInsert(ctx, trigger.FoldAll(tables...), stmt, args...)
}

// ExecuteUpdateDelete runs an UPDATE or DELETE statement and returns the
// number of rows affected. Live queries on tables are notified only if that
// number is positive.
func (s *Store) ExecuteUpdateDelete(ctx context.Context, tables []string, stmt string, args ...any) (int64, error) {
	return s.executeUpdateDelete(ctx, trigger.FoldAll(tables...), stmt, args...)
}

func (s *Store) executeInsert(ctx context.Context, tables trigger.Set, stmt string, args ...any) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, stmt, args...)
	if err != nil {
		return -1, errs.Store(stmt, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return -1, errs.Store(stmt, err)
	}
	if n == 0 {
		return -1, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return -1, errs.Store(stmt, err)
	}
	s.sendTableTrigger(ctx, tables)
	return id, nil
}

func (s *Store) executeUpdateDelete(ctx context.Context, tables trigger.Set, stmt string, args ...any) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errs.Store(stmt, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Store(stmt, err)
	}
	if n > 0 {
		s.sendTableTrigger(ctx, tables)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
