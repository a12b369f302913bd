package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/trigger"
)

const testSchema = `
CREATE TABLE employee (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);
CREATE TABLE manager (
	id INTEGER PRIMARY KEY,
	employee_id INTEGER NOT NULL,
	manager_id INTEGER NOT NULL
);
`

// createTestStore opens a store in a temp dir with inline delivery and the
// test schema applied.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	base := []Option{
		WithScheduler(engine.Immediate{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(engine.NewSequentialGenerator("sub")),
	}
	s, err := Open(path, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Execute(context.Background(), testSchema))
	return s
}

// publishLog records every set published on the store's bus.
type publishLog struct {
	mu   sync.Mutex
	sets []string
}

func (l *publishLog) Accept(s trigger.Set) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets = append(l.sets, s.String())
}

func (l *publishLog) Complete() {}

func (l *publishLog) published() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sets...)
}

func watchBus(t *testing.T, s *Store) *publishLog {
	t.Helper()
	l := &publishLog{}
	cancel, err := s.Feed().Subscribe(nil, l)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return l
}

// names is a live-query consumer collecting employee names per delivery.
type names struct {
	mu       sync.Mutex
	batches  [][]string
	triggers []string
	errs     []error
}

func (n *names) OnNext(b engine.Batch) error {
	var got []string
	for b.Rows.Next() {
		var name string
		if err := b.Rows.Scan(&name); err != nil {
			return err
		}
		got = append(got, name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, got)
	n.triggers = append(n.triggers, b.Trigger.String())
	return nil
}

func (n *names) OnError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *names) OnComplete() {}

func (n *names) deliveries() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.batches)
}

func (n *names) last() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.batches) == 0 {
		return nil
	}
	return n.batches[len(n.batches)-1]
}

// observe subscribes to the names in table with unbounded demand.
func observe(t *testing.T, s *Store, table string) *names {
	t.Helper()
	n := &names{}
	stmt := "SELECT name FROM " + table + " ORDER BY id"
	if table != "employee" {
		stmt = "SELECT CAST(id AS TEXT) FROM " + table + " ORDER BY id"
	}
	sub, err := s.CreateQuery([]string{table}, stmt).
		Subscribe(context.Background(), n, engine.WithInitialDemand(engine.Unbounded))
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return n
}

func employee(username, name string) Values {
	return Values{"username": username, "name": name}
}
