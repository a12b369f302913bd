package harness

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/livequery/internal/testutil"
)

// AssertionError describes an assertion that did not hold.
type AssertionError struct {
	Type         string
	Subscription string
	Expected     any
	Actual       any
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s on %s: expected %v, got %v", e.Type, e.Subscription, e.Expected, e.Actual)
}

// Evaluate checks a against the events recorded for its subscription.
func Evaluate(a Assertion, events []testutil.Event) error {
	fail := func(expected, actual any) error {
		return &AssertionError{Type: a.Type, Subscription: a.Subscription, Expected: expected, Actual: actual}
	}

	deliveries := testutil.Filter(events, testutil.KindNext)

	switch a.Type {
	case AssertDeliveryCount:
		if len(deliveries) != a.Count {
			return fail(a.Count, len(deliveries))
		}

	case AssertTriggers:
		got := make([]string, len(deliveries))
		for i, e := range deliveries {
			got[i] = e.Trigger
		}
		want := a.Triggers
		if want == nil {
			want = []string{}
		}
		if !slices.Equal(got, want) {
			return fail(want, got)
		}

	case AssertLastRows:
		if len(deliveries) == 0 {
			return fail(a.Rows, "no deliveries")
		}
		want, err := canonicalRows(a.Rows)
		if err != nil {
			return err
		}
		got, err := canonicalRows(deliveries[len(deliveries)-1].Rows)
		if err != nil {
			return err
		}
		if want != got {
			return fail(want, got)
		}

	case AssertTerminalError:
		terminal := testutil.Filter(events, testutil.KindError)
		if len(terminal) != 1 {
			return fail(a.Error, fmt.Sprintf("%d terminal errors", len(terminal)))
		}
		if terminal[0].Error != a.Error {
			return fail(a.Error, terminal[0].Error)
		}

	case AssertCompleted:
		if n := len(testutil.Filter(events, testutil.KindComplete)); n != 1 {
			return fail("completed once", fmt.Sprintf("completed %d times", n))
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// canonicalRows renders rows as JSON so that values decoded from YAML
// (int) compare equal to values scanned from SQLite (int64).
func canonicalRows(rows [][]any) (string, error) {
	if rows == nil {
		rows = [][]any{}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}
	return string(b), nil
}
