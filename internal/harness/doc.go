// Package harness runs scripted scenarios against a real store and checks
// what the live queries delivered.
//
// # Scenario Format
//
//	name: nested_commit
//	description: "A nested commit publishes once, at the outermost end"
//	schema: |
//	  CREATE TABLE employee (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
//	subscriptions:
//	  - name: employees
//	    tables: [employee]
//	    query: SELECT name FROM employee ORDER BY id
//	steps:
//	  - begin: true
//	  - insert: { table: employee, values: { name: Alice } }
//	  - mark_successful: true
//	  - end: true
//	assertions:
//	  - type: triggers
//	    subscription: employees
//	    triggers: ["INITIAL", "[employee]"]
//
// Steps are begin, mark_successful, end, insert, update, delete, execute
// (with tables it becomes execute-and-trigger), request and cancel. A step
// may name the error code it is expected to fail with in expect_error.
//
// # Assertion Types
//
//   - delivery_count: number of deliveries
//   - triggers: the trigger of every delivery, in order
//   - last_rows: the rows of the last delivery
//   - terminal_error: the code of the terminal error
//   - completed: the subscription completed when the store closed
//
// # Determinism
//
// Every run uses a fresh database, inline delivery and sequential
// subscription ids, and stamps steps and deliveries with one logical clock.
// The trace of a scenario is therefore stable and is compared with a golden
// file by RunWithGolden.
package harness
