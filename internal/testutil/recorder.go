package testutil

import (
	"errors"
	"sync"

	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/errs"
)

// Event kinds recorded in a Log.
const (
	KindStep     = "step"
	KindNext     = "next"
	KindError    = "error"
	KindComplete = "complete"
)

// Event is one entry of a Log. Rows are fully materialized, with []byte
// columns turned into strings so that events compare and encode cleanly.
type Event struct {
	Seq          int64   `json:"seq"`
	Kind         string  `json:"kind"`
	Subscription string  `json:"subscription,omitempty"`
	Step         string  `json:"step,omitempty"`
	Trigger      string  `json:"trigger,omitempty"`
	Rows         [][]any `json:"rows,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Log collects events from any number of Recorders, stamped by one Clock.
type Log struct {
	clock *Clock

	mu     sync.Mutex
	events []Event
}

// NewLog returns an empty log with a fresh clock.
func NewLog() *Log {
	return &Log{clock: NewClock()}
}

// Step records a marker, typically the operation a test is about to perform.
func (l *Log) Step(desc string) {
	l.add(Event{Kind: KindStep, Step: desc})
}

func (l *Log) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = l.clock.Next()
	l.events = append(l.events, e)
}

// Events returns a copy of everything recorded so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// For returns the events of one subscription.
func (l *Log) For(name string) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Subscription == name {
			out = append(out, e)
		}
	}
	return out
}

// Filter returns the events of one kind.
func Filter(events []Event, kind string) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Recorder returns a consumer that records into l under name.
func (l *Log) Recorder(name string) *Recorder {
	return &Recorder{log: l, name: name}
}

// Recorder is an engine.Consumer that materializes every batch into its Log.
type Recorder struct {
	log  *Log
	name string
}

var _ engine.Consumer = (*Recorder)(nil)

// OnNext implements engine.Consumer.
func (r *Recorder) OnNext(b engine.Batch) error {
	rows, err := engine.ScanAll(b.Rows)
	if err != nil {
		return err
	}
	r.log.add(Event{
		Kind:         KindNext,
		Subscription: r.name,
		Trigger:      b.Trigger.String(),
		Rows:         rows,
	})
	return nil
}

// OnError implements engine.Consumer.
func (r *Recorder) OnError(err error) {
	r.log.add(Event{Kind: KindError, Subscription: r.name, Error: ErrorCode(err)})
}

// OnComplete implements engine.Consumer.
func (r *Recorder) OnComplete() {
	r.log.add(Event{Kind: KindComplete, Subscription: r.name})
}

// ErrorCode reduces err to something stable enough to compare: the code of a
// livequery error, or its message otherwise.
func ErrorCode(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return err.Error()
}
