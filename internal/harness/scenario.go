package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/livequery/internal/store"
)

// Scenario is a scripted run against a fresh store: a schema, the live
// queries to keep open, a sequence of steps and the assertions checked on
// the recorded trace.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Schema is executed once before anything else.
	Schema string `yaml:"schema"`

	// Subscriptions are opened, in order, after the schema is applied.
	Subscriptions []Subscription `yaml:"subscriptions"`

	// Steps run in order after the subscriptions are open.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated against the trace once all steps ran.
	Assertions []Assertion `yaml:"assertions"`
}

// Subscription opens one live query.
type Subscription struct {
	Name   string   `yaml:"name"`
	Tables []string `yaml:"tables"`
	Query  string   `yaml:"query"`
	Args   []any    `yaml:"args,omitempty"`

	// Demand is the initial demand. Zero means unbounded.
	Demand int64 `yaml:"demand,omitempty"`
}

// Step is one operation. Exactly one of the operation fields is set.
type Step struct {
	Begin          bool         `yaml:"begin,omitempty"`
	MarkSuccessful bool         `yaml:"mark_successful,omitempty"`
	End            bool         `yaml:"end,omitempty"`
	Insert         *InsertStep  `yaml:"insert,omitempty"`
	Update         *UpdateStep  `yaml:"update,omitempty"`
	Delete         *DeleteStep  `yaml:"delete,omitempty"`
	Execute        *ExecuteStep `yaml:"execute,omitempty"`
	Request        *RequestStep `yaml:"request,omitempty"`
	Cancel         string       `yaml:"cancel,omitempty"`

	// ExpectError is the error code the step must fail with. Without it any
	// failure aborts the run.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// InsertStep inserts one row.
type InsertStep struct {
	Table    string         `yaml:"table"`
	Values   map[string]any `yaml:"values"`
	Conflict string         `yaml:"conflict,omitempty"`
}

// UpdateStep updates the rows matching Where.
type UpdateStep struct {
	Table    string         `yaml:"table"`
	Values   map[string]any `yaml:"values"`
	Conflict string         `yaml:"conflict,omitempty"`
	Where    string         `yaml:"where,omitempty"`
	Args     []any          `yaml:"args,omitempty"`
}

// DeleteStep deletes the rows matching Where.
type DeleteStep struct {
	Table string `yaml:"table"`
	Where string `yaml:"where,omitempty"`
	Args  []any  `yaml:"args,omitempty"`
}

// ExecuteStep runs a raw statement. With Tables it triggers them
// unconditionally; without, it triggers nothing.
type ExecuteStep struct {
	SQL    string   `yaml:"sql"`
	Args   []any    `yaml:"args,omitempty"`
	Tables []string `yaml:"tables,omitempty"`
}

// RequestStep adds demand to a subscription.
type RequestStep struct {
	Subscription string `yaml:"subscription"`
	N            int64  `yaml:"n"`
}

// Assertion checks the trace of one subscription.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Subscription string `yaml:"subscription"`

	// Count is the expected number of deliveries (delivery_count).
	Count int `yaml:"count,omitempty"`

	// Triggers are the expected delivery triggers, in order (triggers).
	Triggers []string `yaml:"triggers,omitempty"`

	// Rows is the expected result of the last delivery (last_rows).
	Rows [][]any `yaml:"rows,omitempty"`

	// Error is the expected terminal error code (terminal_error).
	Error string `yaml:"error,omitempty"`
}

// Assertion types.
const (
	AssertDeliveryCount = "delivery_count"
	AssertTriggers      = "triggers"
	AssertLastRows      = "last_rows"
	AssertTerminalError = "terminal_error"
	AssertCompleted     = "completed"
)

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected so that typos do not silently disable a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.Name, err)
	}
	return &sc, nil
}

// Validate checks the scenario for structural errors.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(sc.Subscriptions) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}

	names := make(map[string]bool, len(sc.Subscriptions))
	for i, sub := range sc.Subscriptions {
		switch {
		case sub.Name == "":
			return fmt.Errorf("subscriptions[%d]: name is required", i)
		case names[sub.Name]:
			return fmt.Errorf("subscriptions[%d]: duplicate name %q", i, sub.Name)
		case sub.Query == "":
			return fmt.Errorf("subscriptions[%d]: query is required", i)
		case len(sub.Tables) == 0:
			return fmt.Errorf("subscriptions[%d]: tables is required", i)
		case sub.Demand < 0:
			return fmt.Errorf("subscriptions[%d]: demand must not be negative", i)
		}
		names[sub.Name] = true
	}

	for i, step := range sc.Steps {
		if err := step.validate(names); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range sc.Assertions {
		if !names[a.Subscription] {
			return fmt.Errorf("assertions[%d]: unknown subscription %q", i, a.Subscription)
		}
		switch a.Type {
		case AssertDeliveryCount:
			if a.Count < 0 {
				return fmt.Errorf("assertions[%d]: count must not be negative", i)
			}
		case AssertTriggers, AssertLastRows, AssertCompleted:
		case AssertTerminalError:
			if a.Error == "" {
				return fmt.Errorf("assertions[%d]: error is required for %s", i, a.Type)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
	}
	return nil
}

func (s Step) validate(subs map[string]bool) error {
	set := 0
	for _, b := range []bool{
		s.Begin, s.MarkSuccessful, s.End,
		s.Insert != nil, s.Update != nil, s.Delete != nil, s.Execute != nil,
		s.Request != nil, s.Cancel != "",
	} {
		if b {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one operation must be set, got %d", set)
	}

	switch {
	case s.Insert != nil:
		if s.Insert.Table == "" {
			return fmt.Errorf("insert: table is required")
		}
		if _, err := store.ParseConflict(s.Insert.Conflict); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	case s.Update != nil:
		if s.Update.Table == "" {
			return fmt.Errorf("update: table is required")
		}
		if _, err := store.ParseConflict(s.Update.Conflict); err != nil {
			return fmt.Errorf("update: %w", err)
		}
	case s.Delete != nil:
		if s.Delete.Table == "" {
			return fmt.Errorf("delete: table is required")
		}
	case s.Execute != nil:
		if s.Execute.SQL == "" {
			return fmt.Errorf("execute: sql is required")
		}
	case s.Request != nil:
		if !subs[s.Request.Subscription] {
			return fmt.Errorf("request: unknown subscription %q", s.Request.Subscription)
		}
	case s.Cancel != "":
		if !subs[s.Cancel] {
			return fmt.Errorf("cancel: unknown subscription %q", s.Cancel)
		}
	}
	return nil
}

// describe renders the step for the trace.
func (s Step) describe() string {
	switch {
	case s.Begin:
		return "begin"
	case s.MarkSuccessful:
		return "mark_successful"
	case s.End:
		return "end"
	case s.Insert != nil:
		return "insert " + s.Insert.Table
	case s.Update != nil:
		return "update " + s.Update.Table
	case s.Delete != nil:
		return "delete " + s.Delete.Table
	case s.Execute != nil:
		if len(s.Execute.Tables) > 0 {
			return fmt.Sprintf("execute_and_trigger %v", s.Execute.Tables)
		}
		return "execute"
	case s.Request != nil:
		return fmt.Sprintf("request %s %d", s.Request.Subscription, s.Request.N)
	default:
		return "cancel " + s.Cancel
	}
}
