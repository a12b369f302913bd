package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/roach88/livequery/internal/errs"
	"github.com/roach88/livequery/internal/trigger"
	"github.com/roach88/livequery/internal/txn"
)

// Unbounded is "effectively unlimited" demand. Once reached, every match is
// delivered and nothing is conflated.
const Unbounded int64 = math.MaxInt64

// State is the lifecycle state of a subscription.
type State int

const (
	StateCreated State = iota
	StateActive
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Completed, Errored or Cancelled.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// Subscription is a live binding of one query to one consumer.
//
// Thread-safety: Request, Cancel and State are safe from any goroutine,
// including from inside Consumer.OnNext.
type Subscription struct {
	id       string
	obs      *Observable
	consumer Consumer

	// runCtx is handed to every query run. It is detached from the
	// subscriber's cancellation and transaction, and cancelled on terminate.
	runCtx  context.Context
	stopRun context.CancelFunc
	watch   context.Context

	mu          sync.Mutex
	state       State
	demand      int64
	pending     trigger.Set // single-slot conflation cell
	hasPending  bool
	owed        []trigger.Set // decided deliveries not yet run
	completing  bool
	draining    bool
	unsubscribe func()
	stopWatch   func() bool
	err         error

	// seq is only touched by the drain loop.
	seq int64
}

func newSubscription(ctx context.Context, o *Observable, c Consumer) *Subscription {
	runCtx, stopRun := context.WithCancel(txn.Detach(context.WithoutCancel(ctx)))
	return &Subscription{
		id:       o.ids.Generate(),
		obs:      o,
		consumer: c,
		runCtx:   runCtx,
		stopRun:  stopRun,
		watch:    ctx,
		state:    StateCreated,
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Demand returns the outstanding demand.
func (s *Subscription) Demand() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demand
}

// Err returns the terminal error of an errored subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// activate moves Created -> Active: Initial first, then the feed.
//
// The feed registration happens under s.mu so that any set published
// concurrently queues behind Initial.
func (s *Subscription) activate(demand int64) error {
	s.mu.Lock()
	s.state = StateActive
	s.demand = demand
	drain := s.acceptLocked(trigger.Initial)

	cancel, err := s.obs.feed.Subscribe(s.obs.def.matches, s)
	if err != nil {
		s.state = StateCancelled
		s.draining = false
		s.clearLocked()
		s.mu.Unlock()
		s.stopRun()
		return fmt.Errorf("subscribe to feed: %w", err)
	}
	s.unsubscribe = cancel
	s.stopWatch = context.AfterFunc(s.watch, s.Cancel)
	drain = s.claimDrainLocked() || drain
	s.mu.Unlock()

	s.obs.metrics.Activated()
	s.obs.logger.Debug("subscription active",
		"subscription", s.id,
		"statement", s.obs.def.Statement,
		"demand", demand,
	)

	if drain {
		s.obs.scheduler.Schedule(s.drain)
	}
	return nil
}

// Accept implements trigger.Sink. It runs on the publisher's goroutine.
func (s *Subscription) Accept(set trigger.Set) {
	s.mu.Lock()
	drain := s.acceptLocked(set)
	s.mu.Unlock()

	if drain {
		s.obs.scheduler.Schedule(s.drain)
	}
}

// acceptLocked applies drop/conflate/deliver to set.
// Returns true if the caller must schedule the drain loop.
func (s *Subscription) acceptLocked(set trigger.Set) bool {
	if s.state != StateActive || s.completing {
		return false
	}
	if s.demand == 0 {
		if s.hasPending {
			s.obs.metrics.Conflated()
		}
		s.pending = set
		s.hasPending = true
		return false
	}
	if s.mergeOwedLocked(set) {
		return false
	}
	if s.demand != Unbounded {
		s.demand--
	}
	s.owed = append(s.owed, set)
	return s.claimDrainLocked()
}

// mergeOwedLocked folds set into the last owed delivery when the owed queue
// is at its bound. Demand is not consumed.
func (s *Subscription) mergeOwedLocked(set trigger.Set) bool {
	bound := s.obs.maxOwed
	if bound <= 0 || len(s.owed) < bound {
		return false
	}
	last := len(s.owed) - 1
	s.owed[last] = s.owed[last].Union(set)
	s.obs.metrics.Conflated()
	return true
}

// claimDrainLocked marks the drain loop as running if there is work for it
// and it is not already running.
func (s *Subscription) claimDrainLocked() bool {
	if s.draining {
		return false
	}
	if len(s.owed) == 0 && !s.completing {
		return false
	}
	s.draining = true
	return true
}

// Request adds n units of demand, flushing the pending cell first.
// Requests on a terminated subscription are ignored.
func (s *Subscription) Request(n int64) error {
	if n <= 0 {
		return errs.Usage(errs.ErrCodeInvalidDemand, "request(%d): demand must be positive", n)
	}

	s.mu.Lock()
	if s.state != StateActive || s.completing {
		s.mu.Unlock()
		return nil
	}
	s.demand = addDemand(s.demand, n)
	if s.hasPending {
		set := s.pending
		s.pending = trigger.Set{}
		s.hasPending = false
		if !s.mergeOwedLocked(set) {
			if s.demand != Unbounded {
				s.demand--
			}
			s.owed = append(s.owed, set)
		}
	}
	drain := s.claimDrainLocked()
	s.mu.Unlock()

	if drain {
		s.obs.scheduler.Schedule(s.drain)
	}
	return nil
}

func addDemand(current, n int64) int64 {
	if current > Unbounded-n {
		return Unbounded
	}
	return current + n
}

// Cancel unregisters from the feed and discards pending and owed work.
// A delivery already running is allowed to finish. Idempotent.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	unsubscribe := s.detachLocked()
	s.mu.Unlock()

	s.release(unsubscribe)
	s.obs.logger.Debug("subscription cancelled", "subscription", s.id)
}

// Complete implements trigger.Sink: the feed has closed. Owed deliveries
// still run, then OnComplete fires.
func (s *Subscription) Complete() {
	s.mu.Lock()
	if s.state != StateActive || s.completing {
		s.mu.Unlock()
		return
	}
	s.completing = true
	s.pending = trigger.Set{}
	s.hasPending = false
	drain := s.claimDrainLocked()
	s.mu.Unlock()

	if drain {
		s.obs.scheduler.Schedule(s.drain)
	}
}

func (s *Subscription) clearLocked() {
	s.pending = trigger.Set{}
	s.hasPending = false
	s.owed = nil
}

// detachLocked clears queued work and returns the feed unsubscribe func.
func (s *Subscription) detachLocked() func() {
	s.clearLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	return unsubscribe
}

// release runs the cleanup shared by every terminal transition.
func (s *Subscription) release(unsubscribe func()) {
	if unsubscribe != nil {
		unsubscribe()
	}
	s.stopRun()
	s.obs.metrics.Deactivated()
}

// drain runs owed deliveries one at a time until none are left.
// At most one drain loop per subscription runs at any moment.
func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		if s.state != StateActive {
			s.draining = false
			s.mu.Unlock()
			return
		}
		if len(s.owed) == 0 {
			s.draining = false
			if !s.completing {
				s.mu.Unlock()
				return
			}
			s.state = StateCompleted
			unsubscribe := s.detachLocked()
			s.mu.Unlock()

			s.release(unsubscribe)
			s.obs.logger.Debug("subscription completed", "subscription", s.id)
			s.callTerminal("OnComplete", s.consumer.OnComplete)
			return
		}
		set := s.owed[0]
		s.owed[0] = trigger.Set{}
		s.owed = s.owed[1:]
		s.mu.Unlock()

		s.deliver(set)
	}
}

// deliver runs the query and hands the result to the consumer inside a
// guarded frame. Any failure terminates the subscription.
func (s *Subscription) deliver(set trigger.Set) {
	statement := s.obs.def.Statement
	s.seq++

	var rows Rows
	err := guard("query run", func() error {
		var runErr error
		rows, runErr = s.obs.def.Run(s.runCtx)
		return runErr
	})
	if err == nil && rows == nil {
		err = errors.New("query run returned no rows")
	}
	if err != nil {
		s.fail(toStoreError(statement, err))
		return
	}

	batch := Batch{
		Seq:          s.seq,
		Trigger:      set,
		Rows:         rows,
		Statement:    statement,
		Subscription: s,
	}
	err = guard("consumer", func() error { return s.consumer.OnNext(batch) })
	if err == nil {
		if rowsErr := rows.Err(); rowsErr != nil {
			err = toStoreError(statement, rowsErr)
		}
	}
	if closeErr := rows.Close(); closeErr != nil {
		s.obs.logger.Warn("closing rows failed",
			"subscription", s.id,
			"statement", statement,
			"error", closeErr,
		)
	}
	if err != nil {
		s.fail(err)
		return
	}

	s.obs.metrics.Delivered()
	s.obs.logger.Debug("delivered",
		"subscription", s.id,
		"seq", batch.Seq,
		"trigger", set.String(),
	)
}

// fail moves an active subscription to Errored and reports err once.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.err = err
	unsubscribe := s.detachLocked()
	s.mu.Unlock()

	s.release(unsubscribe)
	s.obs.metrics.Errored()
	s.obs.logger.Error("subscription terminated",
		"subscription", s.id,
		"statement", s.obs.def.Statement,
		"error", err,
	)
	s.callTerminal("OnError", func() { s.consumer.OnError(err) })
}

// callTerminal invokes a terminal consumer callback, logging a panic rather
// than propagating it into the scheduler.
func (s *Subscription) callTerminal(name string, fn func()) {
	if err := guard(name, func() error { fn(); return nil }); err != nil {
		s.obs.logger.Error("consumer callback panicked",
			"subscription", s.id,
			"callback", name,
			"error", err,
		)
	}
}
