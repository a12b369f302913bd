// Package engine implements the live-query subscription engine.
//
// An Observable binds a query Definition to a feed of trigger sets (the
// store's trigger.Bus, or an external change bridge). Each Subscribe call
// creates one Subscription that re-runs the query whenever a relevant set
// arrives and hands the fresh rows to a single Consumer.
//
// ARCHITECTURE:
//
// Per-subscription state machine:
//
//	Created -> Active -> {Completed | Errored | Cancelled}
//
// Terminal states are sticky. Every event that reaches a subscription has
// one of three effects:
//   - drop: the set does not intersect the query's tables
//   - conflate: no outstanding demand, the set overwrites the single-slot
//     pending cell
//   - deliver: demand is decremented and a delivery is owed
//
// Request(n) adds demand and flushes the pending cell first. Unbounded
// demand disables conflation.
//
// Delivery Flow:
//  1. The bus calls Subscription.Accept on the publisher's goroutine (O(1))
//  2. Owed deliveries wake a drain loop on the configured Scheduler
//  3. The drain loop runs the query, hands the rows to the consumer, closes them
//  4. A failing run or consumer terminates only that subscription
//
// Deliveries to one subscription never overlap, whatever the scheduler:
// the drain loop is started at most once at a time.
//
// INVARIANTS:
//   - Initial is the first event of every subscription
//   - Delivered batches follow bus publish order; conflation only drops
//   - A terminated subscription emits exactly one terminal event
//   - Subscribing inside an open transaction fails with a usage error
package engine
