package bridge

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livequery/internal/engine"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE employee (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

// manualSource notifies on demand.
type manualSource struct {
	reg *registry
}

func (m *manualSource) Register(key string, notify func()) (func(), error) {
	id := m.reg.add(key, notify)
	return func() { m.reg.remove(key, id) }, nil
}

func countQuery(db *sql.DB) engine.Definition {
	stmt := "SELECT COUNT(*) FROM employee"
	return engine.Definition{
		Statement: stmt,
		Run: func(ctx context.Context) (engine.Rows, error) {
			rows, err := db.QueryContext(ctx, stmt)
			if err != nil {
				return nil, err
			}
			return rows, nil
		},
	}
}

type counts struct {
	mu  sync.Mutex
	got []int
}

func (c *counts) observer() engine.Consumer {
	return engine.MapToOne(func(r engine.Rows) (int, error) {
		var n int
		err := r.Scan(&n)
		return n, err
	}, engine.Observer[int]{Next: func(n int) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.got = append(c.got, n)
		return nil
	}})
}

func (c *counts) values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.got...)
}

func TestObserve_RegistersOnActivation(t *testing.T) {
	db := openDB(t)
	src := &manualSource{reg: newRegistry()}
	c := &counts{}

	obs := Observe(src, "employee", countQuery(db), engine.WithScheduler(engine.Immediate{}), engine.WithLogger(discard()))
	assert.Equal(t, 0, src.reg.len(), "nothing registered before subscribe")

	sub, err := obs.Subscribe(context.Background(), c.observer(), engine.WithInitialDemand(engine.Unbounded))
	require.NoError(t, err)
	assert.Equal(t, 1, src.reg.len())
	assert.Equal(t, []int{0}, c.values())

	_, err = db.Exec(`INSERT INTO employee (name) VALUES ('alice')`)
	require.NoError(t, err)
	src.reg.notify("employee")
	src.reg.notify("manager")
	assert.Equal(t, []int{0, 1}, c.values())

	sub.Cancel()
	assert.Equal(t, 0, src.reg.len(), "cancel unregisters")
}

func TestInstallTriggers_LogsEveryEdit(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	require.NoError(t, InstallTriggers(ctx, db, "Employee"))
	require.NoError(t, InstallTriggers(ctx, db, "Employee"), "idempotent")

	_, err := db.Exec(`INSERT INTO employee (name) VALUES ('alice')`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE employee SET name = 'Alice'`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM employee`)
	require.NoError(t, err)

	rows, err := db.Query(`SELECT edit_type, table_name FROM change_log ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var edits []int
	for rows.Next() {
		var edit int
		var table string
		require.NoError(t, rows.Scan(&edit, &table))
		assert.Equal(t, "employee", table)
		edits = append(edits, edit)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int{EditCreate, EditUpdate, EditDelete}, edits)
}

func TestChangeLog_PollNotifiesOncePerTable(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	require.NoError(t, InstallTriggers(ctx, db, "employee"))

	_, err := db.Exec(`INSERT INTO employee (name) VALUES ('before start')`)
	require.NoError(t, err)

	cl := NewChangeLog(db, time.Hour, discard())
	require.NoError(t, cl.Prime(ctx))

	var hits atomic.Int32
	unregister, err := cl.Register("EMPLOYEE", func() { hits.Add(1) })
	require.NoError(t, err)

	changed, err := cl.poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, changed, "entries before start are skipped")

	_, err = db.Exec(`INSERT INTO employee (name) VALUES ('a'), ('b'), ('c')`)
	require.NoError(t, err)

	changed, err = cl.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"employee"}, changed)
	assert.Equal(t, int32(1), hits.Load())

	unregister()
	unregister()
	_, err = db.Exec(`DELETE FROM employee`)
	require.NoError(t, err)
	_, err = cl.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTouch_NotifiesWithoutRowChanges(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	cl := NewChangeLog(db, time.Hour, discard())
	require.NoError(t, Touch(ctx, db), "creates the log")
	require.NoError(t, cl.Prime(ctx))

	var hits atomic.Int32
	_, err := cl.Register("employee", func() { hits.Add(1) })
	require.NoError(t, err)

	require.NoError(t, Touch(ctx, db, "Employee", "manager"))
	changed, err := cl.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"employee", "manager"}, changed)
	assert.Equal(t, int32(1), hits.Load())
}

func TestChangeLog_RunDrivesLiveQuery(t *testing.T) {
	db := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, InstallTriggers(ctx, db, "employee"))

	cl := NewChangeLog(db, 10*time.Millisecond, discard())
	require.NoError(t, cl.Prime(ctx))
	errCh := make(chan error, 1)
	go func() { errCh <- cl.Run(ctx) }()

	c := &counts{}
	sub, err := Observe(cl, "employee", countQuery(db), engine.WithLogger(discard())).
		Subscribe(context.Background(), c.observer(), engine.WithInitialDemand(engine.Unbounded))
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return len(c.values()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = db.Exec(`INSERT INTO employee (name) VALUES ('alice')`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := c.values()
		return len(v) > 0 && v[len(v)-1] == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestChangeLog_RunWithoutTable(t *testing.T) {
	db := openDB(t)

	err := NewChangeLog(db, 0, nil).Run(context.Background())
	assert.Error(t, err)
}

func TestFileSource_NotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	src, err := NewFileSource(discard())
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	var hits, others atomic.Int32
	unregister, err := src.Register(path, func() { hits.Add(1) })
	require.NoError(t, err)
	_, err = src.Register(filepath.Join(dir, "other.txt"), func() { others.Add(1) })
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	require.Eventually(t, func() bool { return hits.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, others.Load())

	// Let the remaining events of the write settle.
	time.Sleep(50 * time.Millisecond)
	unregister()
	before := hits.Load()
	require.NoError(t, os.WriteFile(path, []byte("v3"), 0o644))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, hits.Load())
}

func TestFileSource_RunStopsOnClose(t *testing.T) {
	src, err := NewFileSource(nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background()) }()

	require.NoError(t, src.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestFileSource_RegisterMissingDir(t *testing.T) {
	src, err := NewFileSource(discard())
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Register(filepath.Join(t.TempDir(), "missing", "file"), func() {})
	assert.Error(t, err)
}
