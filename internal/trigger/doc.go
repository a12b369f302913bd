// Package trigger defines the vocabulary of change notification: the
// immutable Set of table names that changed together, the Initial startup
// marker, and the Bus that multicasts sets to live subscriptions.
//
// Every "something changed" event, whether produced by the store's own write
// path or by an external change bridge, flows through a Bus as a Set.
// Subscribers filter for relevance themselves; the bus never blocks on them.
package trigger
