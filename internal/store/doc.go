// Package store turns a SQLite database into a source of live queries.
//
// Writes made through the Store (Insert, Update, Delete and the Execute*
// family) record which tables they touched. Outside a transaction the change
// is published at once; inside one it is held by the transaction scope and
// published only when the outermost transaction commits. Live queries
// created with CreateQuery re-run whenever a published change touches a
// table they read.
//
// # Notification rules
//
//   - Insert notifies only if a row was inserted (ignored conflicts do not)
//   - Update and Delete notify only if at least one row changed
//   - ExecuteAndTrigger always notifies on success
//   - a rolled-back transaction notifies nothing; a nested transaction that
//     rolls back contributes nothing to its parent
//   - a committed outermost transaction notifies once, with the union of
//     every committed level's tables
//
// # Transactions
//
// Transactions are carried in the context.Context returned by
// NewTransaction. Nested transactions are SAVEPOINTs on the outermost
// database transaction. Live queries cannot be subscribed with a context
// that carries an open transaction.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability and performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - one open connection unless WithMaxOpenConns says otherwise
//
// With a single connection, a consumer must not write to the store while it
// is still reading a delivered batch's rows.
package store
