package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livequery/internal/testutil"
)

const employeeSchema = `CREATE TABLE employee (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`

func employees(demand int64) []Subscription {
	return []Subscription{{
		Name:   "employees",
		Tables: []string{"employee"},
		Query:  "SELECT name FROM employee ORDER BY id",
		Demand: demand,
	}}
}

func insertEmployee(name string) Step {
	return Step{Insert: &InsertStep{Table: "employee", Values: map[string]any{"name": name}}}
}

func TestRun_Deterministic(t *testing.T) {
	sc := &Scenario{
		Name:          "deterministic",
		Schema:        employeeSchema,
		Subscriptions: employees(0),
		Steps:         []Step{insertEmployee("alice"), insertEmployee("bob")},
	}

	first, err := Run(sc)
	require.NoError(t, err)
	second, err := Run(sc)
	require.NoError(t, err)

	assert.True(t, first.Pass)
	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, int64(1), first.Trace[0].Seq)
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	sc := &Scenario{
		Name:          "failing",
		Schema:        employeeSchema,
		Subscriptions: employees(0),
		Steps:         []Step{insertEmployee("alice")},
		Assertions: []Assertion{
			{Type: AssertDeliveryCount, Subscription: "employees", Count: 5},
			{Type: AssertDeliveryCount, Subscription: "employees", Count: 2},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertions[0]")
}

func TestRun_UnexpectedStepErrorAborts(t *testing.T) {
	sc := &Scenario{
		Name:          "broken_step",
		Schema:        employeeSchema,
		Subscriptions: employees(0),
		Steps:         []Step{{Insert: &InsertStep{Table: "missing", Values: map[string]any{"a": 1}}}},
	}

	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[0] (insert missing)")
}

func TestRun_ExpectedError(t *testing.T) {
	sc := &Scenario{
		Name:          "expected_error",
		Schema:        employeeSchema,
		Subscriptions: employees(0),
		Steps: []Step{
			{Insert: &InsertStep{Table: "employee", Values: map[string]any{"id": 1, "name": "a"}}},
			{Insert: &InsertStep{Table: "employee", Values: map[string]any{"id": 1, "name": "b"}}, ExpectError: "STORE"},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.Len(t, testutil.Filter(result.Trace, testutil.KindNext), 2)

	sc.Steps[1].ExpectError = "NO_VALUE"
	_, err = Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got STORE")

	sc.Steps = []Step{{Begin: true, ExpectError: "STORE"}}
	_, err = Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got none")
}

func TestRun_BadQueryTerminates(t *testing.T) {
	sc := &Scenario{
		Name:   "bad_query",
		Schema: employeeSchema,
		Subscriptions: []Subscription{{
			Name: "broken", Tables: []string{"employee"}, Query: "SELECT missing FROM employee",
		}},
		Steps: []Step{insertEmployee("alice")},
		Assertions: []Assertion{
			{Type: AssertTerminalError, Subscription: "broken", Error: "STORE"},
			{Type: AssertDeliveryCount, Subscription: "broken", Count: 0},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Empty(t, testutil.Filter(result.Trace, testutil.KindComplete), "terminated subscriptions do not complete")
}

func TestRun_OpenTransactionIsRolledBack(t *testing.T) {
	sc := &Scenario{
		Name:          "left_open",
		Schema:        employeeSchema,
		Subscriptions: employees(0),
		Steps:         []Step{{Begin: true}, insertEmployee("alice"), {MarkSuccessful: true}},
		Assertions: []Assertion{
			{Type: AssertTriggers, Subscription: "employees", Triggers: []string{"INITIAL"}},
			{Type: AssertCompleted, Subscription: "employees"},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_RequestDeliversPending(t *testing.T) {
	sc := &Scenario{
		Name:          "request",
		Schema:        employeeSchema,
		Subscriptions: employees(1),
		Steps: []Step{
			insertEmployee("alice"),
			{Request: &RequestStep{Subscription: "employees", N: 1}},
			{Request: &RequestStep{Subscription: "employees", N: 0}, ExpectError: "INVALID_DEMAND"},
		},
		Assertions: []Assertion{
			{Type: AssertTriggers, Subscription: "employees", Triggers: []string{"INITIAL", "[employee]"}},
			{Type: AssertLastRows, Subscription: "employees", Rows: [][]any{{"alice"}}},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_InvalidScenario(t *testing.T) {
	_, err := Run(&Scenario{})
	assert.Error(t, err)
}

func TestRun_Testdata(t *testing.T) {
	paths, err := FindScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	for _, p := range paths {
		sc, err := LoadScenario(p)
		require.NoError(t, err)
		t.Run(sc.Name, func(t *testing.T) {
			RunWithGolden(t, sc)
		})
	}
}
