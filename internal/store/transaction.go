package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/livequery/internal/txn"
)

// Transaction is one level of a possibly nested transaction.
//
// The outermost level is a database transaction; nested levels are
// savepoints on it. Change notifications are held until the outermost level
// commits, then published once.
type Transaction struct {
	store *Store
	stack *txn.Context
	scope *txn.Scope
}

// rootTx finalizes the outermost scope.
type rootTx struct {
	store *Store
	tx    *sql.Tx
}

func (r *rootTx) Finalize(commit bool) error {
	if commit {
		return r.tx.Commit()
	}
	return r.tx.Rollback()
}

// savepoint finalizes a nested scope.
type savepoint struct {
	tx   *sql.Tx
	name string
}

func (p *savepoint) Finalize(commit bool) error {
	// Finalization must run even if the caller's context is already done.
	ctx := context.Background()
	if !commit {
		if _, err := p.tx.ExecContext(ctx, "ROLLBACK TO "+p.name); err != nil {
			return fmt.Errorf("rollback to %s: %w", p.name, err)
		}
	}
	if _, err := p.tx.ExecContext(ctx, "RELEASE "+p.name); err != nil {
		return fmt.Errorf("release %s: %w", p.name, err)
	}
	return nil
}

// NewTransaction begins a transaction, nested inside the one carried by ctx
// if there is one. Pass the returned context to every operation that belongs
// to the transaction.
//
//	tx, ctx, err := s.NewTransaction(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.End()
//	// ... writes using ctx ...
//	tx.MarkSuccessful()
func (s *Store) NewTransaction(ctx context.Context) (*Transaction, context.Context, error) {
	stack := txn.FromContext(ctx)
	if stack == nil {
		stack = txn.NewContext()
		ctx = txn.WithContext(ctx, stack)
	}

	current := stack.Current()
	if current == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, ctx, fmt.Errorf("begin transaction: %w", err)
		}
		scope := stack.Begin(&rootTx{store: s, tx: tx})
		s.logger.Debug("transaction started")
		return &Transaction{store: s, stack: stack, scope: scope}, ctx, nil
	}

	root, ok := stack.Root().Finalizer().(*rootTx)
	if !ok || root.store != s {
		return nil, ctx, errors.New("begin transaction: context carries a transaction of another store")
	}
	name := fmt.Sprintf("livequery_sp%d", current.Depth()+1)
	if _, err := root.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, ctx, fmt.Errorf("begin nested transaction: %w", err)
	}
	scope := stack.Begin(&savepoint{tx: root.tx, name: name})
	s.logger.Debug("nested transaction started", "depth", scope.Depth())
	return &Transaction{store: s, stack: stack, scope: scope}, ctx, nil
}

// MarkSuccessful flags the transaction to commit when it ends. Idempotent.
func (t *Transaction) MarkSuccessful() {
	t.scope.MarkSuccessful()
}

// End commits or rolls back the transaction. If it is the outermost and
// committed, the tables changed inside it are published once.
//
// Ending a transaction twice, or out of nesting order, is a usage error.
func (t *Transaction) End() error {
	err := t.stack.End(t.scope, t.store.bus)
	if err != nil {
		return err
	}
	t.store.logger.Debug("transaction ended",
		"depth", t.scope.Depth(),
		"committed", t.scope.Committed(),
	)
	return nil
}

// Rollback ends the transaction without committing it, even if it was
// marked successful. Nothing changed inside it is published.
func (t *Transaction) Rollback() error {
	if err := t.stack.Rollback(t.scope); err != nil {
		return err
	}
	t.store.logger.Debug("transaction rolled back", "depth", t.scope.Depth())
	return nil
}

// InTransaction runs fn inside a transaction, marking it successful when fn
// returns nil. The transaction is always ended, also when fn panics.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, txCtx, err := s.NewTransaction(ctx)
	if err != nil {
		return err
	}

	ended := false
	defer func() {
		if !ended {
			_ = tx.End()
		}
	}()

	if fnErr := fn(txCtx); fnErr != nil {
		ended = true
		if endErr := tx.End(); endErr != nil {
			return errors.Join(fnErr, endErr)
		}
		return fnErr
	}

	tx.MarkSuccessful()
	ended = true
	return tx.End()
}
