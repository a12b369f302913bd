package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/livequery/internal/trigger"
)

// sliceRows is an in-memory Rows over single-column string values.
type sliceRows struct {
	values []string
	pos    int
	err    error
	closed bool
}

func newSliceRows(values ...string) *sliceRows {
	return &sliceRows{values: values, pos: -1}
}

func (r *sliceRows) Next() bool {
	if r.pos+1 >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *sliceRows) Scan(dest ...any) error {
	if len(dest) != 1 {
		return fmt.Errorf("scan: want 1 destination, got %d", len(dest))
	}
	p, ok := dest[0].(*string)
	if !ok {
		return errors.New("scan: destination must be *string")
	}
	*p = r.values[r.pos]
	return nil
}

func (r *sliceRows) Columns() ([]string, error) { return []string{"value"}, nil }
func (r *sliceRows) Err() error                 { return r.err }
func (r *sliceRows) Close() error               { r.closed = true; return nil }

// fakeQuery is a re-runnable query whose result can be changed between runs.
type fakeQuery struct {
	mu     sync.Mutex
	values []string
	err    error
	runs   int
}

func (q *fakeQuery) set(values ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values = values
}

func (q *fakeQuery) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *fakeQuery) run(ctx context.Context) (Rows, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs++
	if q.err != nil {
		return nil, q.err
	}
	return newSliceRows(q.values...), nil
}

func (q *fakeQuery) runCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runs
}

func (q *fakeQuery) definition(tables ...string) Definition {
	return Definition{
		Statement: "SELECT value FROM fake",
		Match:     trigger.AnyOf(trigger.Of(tables...)),
		Run:       q.run,
	}
}

// recorder captures every callback a subscription makes.
type recorder struct {
	mu        sync.Mutex
	triggers  []trigger.Set
	results   [][]string
	errs      []error
	completed int
	onNext    func(Batch) error
}

func (r *recorder) OnNext(b Batch) error {
	var values []string
	for b.Rows.Next() {
		var v string
		if err := b.Rows.Scan(&v); err != nil {
			return err
		}
		values = append(values, v)
	}
	r.mu.Lock()
	r.triggers = append(r.triggers, b.Trigger)
	r.results = append(r.results, values)
	hook := r.onNext
	r.mu.Unlock()
	if hook != nil {
		return hook(b)
	}
	return nil
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *recorder) triggerStrings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.triggers))
	for i, s := range r.triggers {
		out[i] = s.String()
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestObservable wires q to bus with inline delivery.
func newTestObservable(def Definition, bus *trigger.Bus, opts ...Option) *Observable {
	base := []Option{
		WithScheduler(Immediate{}),
		WithLogger(discardLogger()),
		WithIDGenerator(NewSequentialGenerator("sub")),
	}
	return NewObservable(def, bus, append(base, opts...)...)
}
