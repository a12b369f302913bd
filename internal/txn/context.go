// Package txn tracks nested transaction scopes for one logical caller and
// batches change notifications until the outermost scope commits.
//
// A Context is a stack of Scopes. It travels with the caller inside a
// context.Context (see WithContext and FromContext) rather than living in
// goroutine-local state. Only the outermost scope has a durability
// guarantee, so only its End may publish, and only the union of the work
// that actually committed:
//
//   - nested scope committed: its set merges into the parent
//   - nested scope rolled back: its set is discarded, the parent is unaffected
//   - outermost scope: the store is finalized first, then, if committed and
//     non-empty, the accumulated set is published exactly once
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/livequery/internal/errs"
	"github.com/roach88/livequery/internal/trigger"
)

// Finalizer performs the store-side half of ending a scope: commit or
// rollback for the outermost scope, release or roll back to a savepoint for
// nested ones.
type Finalizer interface {
	Finalize(commit bool) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(commit bool) error

// Finalize calls f.
func (f FinalizerFunc) Finalize(commit bool) error { return f(commit) }

// Publisher receives the merged set of a committed outermost scope.
type Publisher interface {
	Publish(trigger.Set)
}

// Scope is one level of the transaction stack.
type Scope struct {
	owner     *Context
	parent    *Scope
	fin       Finalizer
	triggers  trigger.Set
	committed bool
	ended     bool
	depth     int
}

// Parent returns the enclosing scope, or nil for the outermost.
func (s *Scope) Parent() *Scope { return s.parent }

// Depth returns 0 for the outermost scope, 1 for its child, and so on.
func (s *Scope) Depth() int { return s.depth }

// Finalizer returns the finalizer supplied to Begin.
func (s *Scope) Finalizer() Finalizer { return s.fin }

// Triggers returns the set accumulated so far.
func (s *Scope) Triggers() trigger.Set {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.triggers
}

// Committed reports whether MarkSuccessful has been called.
func (s *Scope) Committed() bool {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.committed
}

// MarkSuccessful flags the scope to commit when it ends. Idempotent.
func (s *Scope) MarkSuccessful() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.committed = true
}

// AddAll merges set into the scope's accumulated triggers.
func (s *Scope) AddAll(set trigger.Set) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.triggers = s.triggers.Union(set)
}

// Context is the transaction stack of one logical caller.
type Context struct {
	mu  sync.Mutex
	top *Scope
}

// NewContext creates an empty stack.
func NewContext() *Context {
	return &Context{}
}

// Current returns the innermost open scope, or nil.
func (c *Context) Current() *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.top
}

// Root returns the outermost open scope, or nil.
func (c *Context) Root() *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.top
	for s != nil && s.parent != nil {
		s = s.parent
	}
	return s
}

// Begin pushes a new scope whose parent is the current top.
func (c *Context) Begin(fin Finalizer) *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Scope{owner: c, parent: c.top, fin: fin}
	if c.top != nil {
		s.depth = c.top.depth + 1
	}
	c.top = s
	return s
}

// End pops scope, which must be the innermost open scope of c.
//
// The finalizer always runs before anything is merged or published. If it
// fails, the scope is still popped, nothing is merged or published, and the
// finalizer's error is returned.
func (c *Context) End(scope *Scope, pub Publisher) error {
	return c.end(scope, pub, false)
}

// Rollback pops scope like End but rolls it back even if it was marked
// successful. Its triggers are discarded.
func (c *Context) Rollback(scope *Scope) error {
	return c.end(scope, nil, true)
}

func (c *Context) end(scope *Scope, pub Publisher, abort bool) error {
	c.mu.Lock()
	if c.top == nil {
		c.mu.Unlock()
		return errs.Usage(errs.ErrCodeNotInTransaction, "not in transaction")
	}
	if scope == nil || scope.owner != c || scope != c.top {
		ended := scope != nil && scope.owner == c && scope.ended
		c.mu.Unlock()
		if ended {
			return errs.Usage(errs.ErrCodeScopeMismatch, "transaction already ended")
		}
		return errs.Usage(errs.ErrCodeScopeMismatch, "transaction is not the innermost open scope")
	}
	c.top = scope.parent
	scope.ended = true
	if abort {
		scope.committed = false
	}
	committed := scope.committed
	triggers := scope.triggers
	c.mu.Unlock()

	if scope.fin != nil {
		if err := scope.fin.Finalize(committed); err != nil {
			return fmt.Errorf("end transaction: %w", err)
		}
	}

	if !committed {
		return nil
	}
	if scope.parent != nil {
		scope.parent.AddAll(triggers)
		return nil
	}
	if pub != nil && !triggers.IsEmpty() {
		pub.Publish(triggers)
	}
	return nil
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying c.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the stack carried by ctx, or nil.
func FromContext(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(contextKey{}).(*Context)
	return c
}

// Detach returns a copy of ctx that carries no transaction stack. Work
// started from it never joins the caller's transaction.
func Detach(ctx context.Context) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, (*Context)(nil))
}

// Current returns the innermost open scope carried by ctx, or nil.
func Current(ctx context.Context) *Scope {
	c := FromContext(ctx)
	if c == nil {
		return nil
	}
	return c.Current()
}

// InTransaction reports whether ctx carries an open scope.
func InTransaction(ctx context.Context) bool {
	return Current(ctx) != nil
}
