package harness

import "github.com/roach88/livequery/internal/testutil"

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace is every step and delivery, in the order they happened.
	Trace []testutil.Event `json:"trace"`

	// Errors describes the failed assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult returns a passing result over trace.
func NewResult(trace []testutil.Event) *Result {
	if trace == nil {
		trace = []testutil.Event{}
	}
	return &Result{Pass: true, Trace: trace}
}

// AddError records a failed assertion.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
