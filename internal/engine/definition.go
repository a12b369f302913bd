package engine

import (
	"context"

	"github.com/roach88/livequery/internal/trigger"
)

// Rows is the row iterator produced by a query run. *sql.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// RunFunc executes a query against the store. It is invoked once per
// delivery and must be safe to call many times.
type RunFunc func(ctx context.Context) (Rows, error)

// Definition is the immutable description of a live query.
type Definition struct {
	// Statement is the SQL text, used for diagnostics and error tagging.
	Statement string

	// Args are the positional arguments bound to Statement.
	Args []any

	// Match decides whether a published set is relevant. Initial always
	// matches, whatever Match says.
	Match trigger.Filter

	// Run executes the statement.
	Run RunFunc
}

// matches applies the table-interest predicate.
func (d Definition) matches(s trigger.Set) bool {
	if s.IsInitial() {
		return true
	}
	if d.Match == nil {
		return true
	}
	return d.Match(s)
}

// Batch is one delivery: the trigger that caused it and a fresh result.
//
// Rows is only valid during Consumer.OnNext; the engine closes it when
// OnNext returns.
type Batch struct {
	// Seq increases by one with every delivery of a subscription, from 1.
	Seq int64

	// Trigger is the set that caused the re-run (Initial for the first).
	Trigger trigger.Set

	// Rows is the fresh result.
	Rows Rows

	// Statement is the query text.
	Statement string

	// Subscription is the subscription being delivered to, so consumers can
	// Request more from inside OnNext.
	Subscription *Subscription
}

// Consumer receives deliveries for one subscription. Calls are serialized:
// OnNext never overlaps itself or the terminal callback.
type Consumer interface {
	// OnNext handles one batch. A non-nil error terminates the subscription
	// and is reported through OnError.
	OnNext(Batch) error

	// OnError is called at most once, with the terminal error.
	OnError(error)

	// OnComplete is called at most once, when the feed closes.
	OnComplete()
}

// ConsumerFuncs adapts plain functions to Consumer. Nil funcs are no-ops.
type ConsumerFuncs struct {
	Next     func(Batch) error
	Error    func(error)
	Complete func()
}

// OnNext calls c.Next.
func (c ConsumerFuncs) OnNext(b Batch) error {
	if c.Next == nil {
		return nil
	}
	return c.Next(b)
}

// OnError calls c.Error.
func (c ConsumerFuncs) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

// OnComplete calls c.Complete.
func (c ConsumerFuncs) OnComplete() {
	if c.Complete != nil {
		c.Complete()
	}
}
