package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livequery/internal/testutil"
)

func sampleEvents() []testutil.Event {
	return []testutil.Event{
		{Seq: 1, Kind: testutil.KindNext, Subscription: "q", Trigger: "INITIAL"},
		{Seq: 2, Kind: testutil.KindNext, Subscription: "q", Trigger: "[employee]", Rows: [][]any{{int64(1), "alice"}}},
		{Seq: 3, Kind: testutil.KindComplete, Subscription: "q"},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		a    Assertion
		pass bool
	}{
		{"count ok", Assertion{Type: AssertDeliveryCount, Count: 2}, true},
		{"count wrong", Assertion{Type: AssertDeliveryCount, Count: 1}, false},
		{"triggers ok", Assertion{Type: AssertTriggers, Triggers: []string{"INITIAL", "[employee]"}}, true},
		{"triggers order", Assertion{Type: AssertTriggers, Triggers: []string{"[employee]", "INITIAL"}}, false},
		{"rows ok", Assertion{Type: AssertLastRows, Rows: [][]any{{1, "alice"}}}, true},
		{"rows wrong", Assertion{Type: AssertLastRows, Rows: [][]any{{2, "alice"}}}, false},
		{"completed", Assertion{Type: AssertCompleted}, true},
		{"no terminal error", Assertion{Type: AssertTerminalError, Error: "STORE"}, false},
		{"unknown", Assertion{Type: "final_state"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.a.Subscription = "q"
			err := Evaluate(tt.a, sampleEvents())
			if tt.pass {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEvaluate_TerminalError(t *testing.T) {
	events := []testutil.Event{{Seq: 1, Kind: testutil.KindError, Subscription: "q", Error: "TOO_MANY_ROWS"}}

	assert.NoError(t, Evaluate(Assertion{Type: AssertTerminalError, Subscription: "q", Error: "TOO_MANY_ROWS"}, events))

	err := Evaluate(Assertion{Type: AssertTerminalError, Subscription: "q", Error: "STORE"}, events)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "STORE", ae.Expected)
	assert.Equal(t, "TOO_MANY_ROWS", ae.Actual)
}

func TestEvaluate_LastRowsWithoutDeliveries(t *testing.T) {
	err := Evaluate(Assertion{Type: AssertLastRows, Subscription: "q", Rows: [][]any{}}, nil)
	assert.Error(t, err)
}

func TestEvaluate_EmptyTriggers(t *testing.T) {
	assert.NoError(t, Evaluate(Assertion{Type: AssertTriggers, Subscription: "q"}, nil))
}
