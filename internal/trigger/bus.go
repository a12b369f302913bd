package trigger

import (
	"errors"
	"maps"
	"slices"
	"sync"
)

// ErrBusClosed is returned when subscribing to a closed bus.
var ErrBusClosed = errors.New("trigger bus is closed")

// Sink receives sets that passed a subscriber's filter.
//
// Accept runs on the publisher's goroutine and must only do O(1) work
// (record the set, wake a delivery loop). Complete is called once when the
// bus closes.
type Sink interface {
	Accept(Set)
	Complete()
}

// Bus is the multicast point through which every "tables changed" event
// flows. It holds no per-table routing; each subscriber filters for itself.
//
// Subscribers are visited in the order they subscribed.
//
// Thread-safety: all methods are safe for concurrent use. Publish works on a
// snapshot of the subscriber list, so subscribe and unsubscribe may race
// with it freely.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]subscriber
	nextID uint64
	closed bool

	// OnPublish, if set, observes every published set (metrics).
	OnPublish func(Set)
}

type subscriber struct {
	filter Filter
	sink   Sink
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]subscriber)}
}

// Publish fans set out to every active subscriber whose filter matches.
// Empty sets are dropped. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(set Set) {
	if set.IsEmpty() {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	snapshot := b.snapshotLocked()
	onPublish := b.OnPublish
	b.mu.Unlock()

	if onPublish != nil {
		onPublish(set)
	}
	for _, s := range snapshot {
		if s.filter == nil || s.filter(set) {
			s.sink.Accept(set)
		}
	}
}

func (b *Bus) snapshotLocked() []subscriber {
	out := make([]subscriber, 0, len(b.subs))
	for _, id := range slices.Sorted(maps.Keys(b.subs)) {
		out = append(out, b.subs[id])
	}
	return out
}

// Subscribe registers sink behind filter. A nil filter matches everything.
// The returned cancel func is idempotent.
func (b *Bus) Subscribe(filter Filter, sink Sink) (cancel func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = subscriber{filter: filter, sink: sink}

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close completes every subscriber and rejects further subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.snapshotLocked()
	b.subs = make(map[uint64]subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.sink.Complete()
	}
}
