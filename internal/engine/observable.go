package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/livequery/internal/errs"
	"github.com/roach88/livequery/internal/metrics"
	"github.com/roach88/livequery/internal/trigger"
	"github.com/roach88/livequery/internal/txn"
)

// Feed is a source of trigger sets. *trigger.Bus implements it; so does the
// external change bridge.
//
// Subscribe must not call sink synchronously.
type Feed interface {
	Subscribe(filter trigger.Filter, sink trigger.Sink) (cancel func(), err error)
}

// DefaultMaxOwed bounds the owed-delivery queue under unbounded demand.
// Beyond it, new triggers merge into the last owed delivery.
const DefaultMaxOwed = 1024

// Observable is a subscription factory for one query definition.
type Observable struct {
	def       Definition
	feed      Feed
	scheduler Scheduler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	ids       IDGenerator
	maxOwed   int
}

// Option configures an Observable.
type Option func(*Observable)

// WithScheduler sets the delivery context. Default: GoScheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *Observable) {
		o.scheduler = s
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Observable) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the collectors to update. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Observable) {
		o.metrics = m
	}
}

// WithIDGenerator sets the subscription id generator. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Observable) {
		o.ids = g
	}
}

// WithMaxOwed bounds the owed-delivery queue. Values <= 0 disable the bound.
func WithMaxOwed(n int) Option {
	return func(o *Observable) {
		o.maxOwed = n
	}
}

// NewObservable creates a factory for subscriptions to def over feed.
func NewObservable(def Definition, feed Feed, opts ...Option) *Observable {
	o := &Observable{
		def:       def,
		feed:      feed,
		scheduler: GoScheduler{},
		logger:    slog.Default(),
		ids:       UUIDv7Generator{},
		maxOwed:   DefaultMaxOwed,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Definition returns the query definition.
func (o *Observable) Definition() Definition {
	return o.def
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	demand int64
}

// WithInitialDemand grants n units of demand at activation, before Initial
// is considered. Use Unbounded to receive every match without conflation.
func WithInitialDemand(n int64) SubscribeOption {
	return func(c *subscribeConfig) {
		c.demand = n
	}
}

// Subscribe creates and activates a subscription delivering to c.
//
// Activation fails with an OBSERVE_IN_TRANSACTION usage error if ctx carries
// an open transaction. Cancelling ctx cancels the subscription.
//
// Initial is the first event. Without initial demand it waits in the pending
// cell until the first Request.
func (o *Observable) Subscribe(ctx context.Context, c Consumer, opts ...SubscribeOption) (*Subscription, error) {
	if txn.InTransaction(ctx) {
		return nil, errs.Usage(errs.ErrCodeObserveInTransaction,
			"cannot subscribe to a query inside a transaction")
	}
	if c == nil {
		return nil, fmt.Errorf("subscribe: nil consumer")
	}

	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.demand < 0 {
		return nil, errs.Usage(errs.ErrCodeInvalidDemand, "initial demand %d is negative", cfg.demand)
	}

	s := newSubscription(ctx, o, c)
	if err := s.activate(cfg.demand); err != nil {
		return nil, err
	}
	return s, nil
}
