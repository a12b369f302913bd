package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/livequery/internal/trigger"
)

// DefaultPollInterval is how often ChangeLog.Run polls by default.
const DefaultPollInterval = 250 * time.Millisecond

// Edit types recorded in the change log. They are bitmasks so that a set of
// types can be expressed in one value.
const (
	EditCreate = 1
	EditUpdate = 2
	EditDelete = 4
)

const changeLogSchema = `
CREATE TABLE IF NOT EXISTS change_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    edit_type   INT NOT NULL,
    table_name  TEXT NOT NULL,
    created_at  DATETIME NOT NULL DEFAULT(STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc'))
);`

// InstallTriggers creates the change log table and, for each table, the
// insert/update/delete triggers that append to it. Table names are folded
// the same way the store folds them. Safe to call repeatedly.
func InstallTriggers(ctx context.Context, db *sql.DB, tables ...string) error {
	if _, err := db.ExecContext(ctx, changeLogSchema); err != nil {
		return fmt.Errorf("create change log: %w", err)
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, changeLogTriggers(table)); err != nil {
			return fmt.Errorf("install change log triggers for %s: %w", table, err)
		}
	}
	return nil
}

// Touch appends an update entry for each table, so that pollers in any
// process notify the table whether or not a row changed.
func Touch(ctx context.Context, db *sql.DB, tables ...string) error {
	if _, err := db.ExecContext(ctx, changeLogSchema); err != nil {
		return fmt.Errorf("create change log: %w", err)
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx,
			"INSERT INTO change_log (edit_type, table_name) VALUES (?, ?)",
			EditUpdate, trigger.Fold(table)); err != nil {
			return fmt.Errorf("touch %s: %w", table, err)
		}
	}
	return nil
}

func changeLogTriggers(table string) string {
	key := strings.ReplaceAll(trigger.Fold(table), `'`, `''`)
	ident := func(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

	var b strings.Builder
	for _, op := range []struct {
		event string
		edit  int
	}{
		{"INSERT", EditCreate},
		{"UPDATE", EditUpdate},
		{"DELETE", EditDelete},
	} {
		fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %[1]s
AFTER %[2]s ON %[3]s FOR EACH ROW
BEGIN
    INSERT INTO change_log (edit_type, table_name) VALUES (%[4]d, '%[5]s');
END;`,
			ident("trg_livequery_"+strings.ToLower(op.event)+"_"+table),
			op.event,
			ident(table),
			op.edit,
			key,
		)
	}
	return b.String()
}

// ChangeLog is a Source fed by polling the change log table. Keys are table
// names as folded by trigger.Fold. It sees writes from any connection or
// process, including ones that bypass the store.
//
// Thread-safety: Register is safe from any goroutine; Run must be called
// from exactly one goroutine.
type ChangeLog struct {
	db       *sql.DB
	interval time.Duration
	logger   *slog.Logger
	reg      *registry

	mu     sync.Mutex
	lastID int64
	primed bool
}

// NewChangeLog creates a poller over db. InstallTriggers must have run.
// A non-positive interval means DefaultPollInterval.
func NewChangeLog(db *sql.DB, interval time.Duration, logger *slog.Logger) *ChangeLog {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeLog{
		db:       db,
		interval: interval,
		logger:   logger,
		reg:      newRegistry(),
	}
}

// Register implements Source. key is folded before use.
func (c *ChangeLog) Register(key string, notify func()) (func(), error) {
	key = trigger.Fold(key)
	id := c.reg.add(key, notify)

	var once sync.Once
	return func() {
		once.Do(func() { c.reg.remove(key, id) })
	}, nil
}

// Run polls until ctx is done. Only changes logged after Run starts are
// reported.
func (c *ChangeLog) Run(ctx context.Context) error {
	if err := c.Prime(ctx); err != nil {
		return err
	}
	c.logger.Debug("change log poller starting", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("change log poller stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// SQLITE_BUSY and friends are transient; try again next tick.
				c.logger.Warn("polling change log failed", "error", err)
			}
		}
	}
}

// Prime records the newest log id, so that older entries are skipped. Run
// primes on its own; call Prime first when changes made between now and
// Run starting must not be missed.
func (c *ChangeLog) Prime(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primed {
		return nil
	}
	var last sql.NullInt64
	if err := c.db.QueryRowContext(ctx, "SELECT MAX(id) FROM change_log").Scan(&last); err != nil {
		return fmt.Errorf("read change log position: %w", err)
	}
	c.lastID = last.Int64
	c.primed = true
	return nil
}

// poll reads entries newer than the last seen id and notifies each changed
// key once, however many rows it logged. It returns the keys notified.
func (c *ChangeLog) poll(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	from := c.lastID
	c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		"SELECT id, table_name FROM change_log WHERE id > ? ORDER BY id", from)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}

	last := from
	var changed []string
	seen := make(map[string]bool)
	for rows.Next() {
		var id int64
		var table string
		if err := rows.Scan(&id, &table); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		last = id
		if !seen[table] {
			seen[table] = true
			changed = append(changed, table)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read change log: %w", err)
	}
	rows.Close()

	c.mu.Lock()
	c.lastID = last
	c.mu.Unlock()

	for _, table := range changed {
		n := c.reg.notify(table)
		c.logger.Debug("change log entry", "table", table, "watchers", n)
	}
	return changed, nil
}
