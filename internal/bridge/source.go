// Package bridge turns external change notifications into live-query
// re-runs.
//
// A Source reports that something identified by a key changed, without
// saying what. Observe binds one key to a query: the query runs once on
// activation and again after every notification. Nothing here is batched by
// transactions; the source decides when a change is visible.
package bridge

import (
	"sync"

	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/trigger"
)

// Source delivers change notifications for keys.
//
// Register must not call notify synchronously, and notify must not block.
// The returned unregister func is idempotent.
type Source interface {
	Register(key string, notify func()) (unregister func(), err error)
}

// Feed adapts one key of a Source to engine.Feed. Every notification is a
// re-run signal, so it reaches the subscription as trigger.Initial and is
// never filtered out.
type Feed struct {
	Source Source
	Key    string
}

// Subscribe registers sink for the feed's key.
func (f Feed) Subscribe(_ trigger.Filter, sink trigger.Sink) (func(), error) {
	return f.Source.Register(f.Key, func() { sink.Accept(trigger.Initial) })
}

// Observe returns a live query over def that re-runs whenever source
// notifies key. Registration happens when a subscription activates and is
// undone when it is cancelled.
func Observe(source Source, key string, def engine.Definition, opts ...engine.Option) *engine.Observable {
	return engine.NewObservable(def, Feed{Source: source, Key: key}, opts...)
}

// registry is the key -> callbacks table shared by the concrete sources.
type registry struct {
	mu       sync.Mutex
	watchers map[string]map[uint64]func()
	nextID   uint64
}

func newRegistry() *registry {
	return &registry{watchers: make(map[string]map[uint64]func())}
}

// add registers notify under key and returns its id.
func (r *registry) add(key string, notify func()) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	ws, ok := r.watchers[key]
	if !ok {
		ws = make(map[uint64]func())
		r.watchers[key] = ws
	}
	ws[r.nextID] = notify
	return r.nextID
}

// remove drops one callback.
func (r *registry) remove(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws := r.watchers[key]
	delete(ws, id)
	if len(ws) == 0 {
		delete(r.watchers, key)
	}
}

// notify calls every callback for key outside the lock.
func (r *registry) notify(key string) int {
	r.mu.Lock()
	ws := r.watchers[key]
	snapshot := make([]func(), 0, len(ws))
	for _, fn := range ws {
		snapshot = append(snapshot, fn)
	}
	r.mu.Unlock()

	for _, fn := range snapshot {
		fn()
	}
	return len(snapshot)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ws := range r.watchers {
		n += len(ws)
	}
	return n
}
