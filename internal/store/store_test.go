package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/metrics"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(tt.name, tt.expected))
		})
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/x.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		dsn("/tmp/x.db"))
	assert.Equal(t,
		"file:x.db?mode=ro&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		dsn("file:x.db?mode=ro"))
}

func TestClose_CompletesLiveQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithScheduler(engine.Immediate{}))
	require.NoError(t, err)

	completed := false
	_, err = s.CreateQuery([]string{"t"}, "SELECT 1").Subscribe(context.Background(),
		engine.ConsumerFuncs{Complete: func() { completed = true }})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, completed)
}

func TestMetrics_CountPublishes(t *testing.T) {
	m := metrics.New()
	s := createTestStore(t, WithMetrics(m))
	ctx := context.Background()

	_, err := s.Insert(ctx, "employee", employee("alice", "Alice"), ConflictNone)
	require.NoError(t, err)
	_, err = s.Delete(ctx, "employee", "username = ?", "nobody")
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.TriggersPublished))
}
