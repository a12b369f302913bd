package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/store"
	"github.com/roach88/livequery/internal/testutil"
)

// runConns leaves room for live-query reads while a transaction holds the
// write connection.
const runConns = 4

// harness is the state of one scenario run.
type harness struct {
	store *store.Store
	log   *testutil.Log
	subs  map[string]*engine.Subscription

	base context.Context
	ctx  context.Context
	txs  []*store.Transaction
}

// Run executes sc against a fresh database in a temporary directory and
// evaluates its assertions.
//
// Deliveries run inline on the goroutine that caused them and subscription
// ids are sequential, so two runs of one scenario record identical traces.
// A step failing unexpectedly aborts the run with an error; failed
// assertions are reported in the Result.
func Run(sc *Scenario) (*Result, error) {
	return RunWithLogger(sc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with the store logging to logger.
func RunWithLogger(sc *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.Name, err)
	}

	dir, err := os.MkdirTemp("", "livequery-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"),
		store.WithScheduler(engine.Immediate{}),
		store.WithIDGenerator(engine.NewSequentialGenerator("sub")),
		store.WithMaxOpenConns(runConns),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	h := &harness{
		store: st,
		log:   testutil.NewLog(),
		subs:  make(map[string]*engine.Subscription),
		base:  context.Background(),
	}
	h.ctx = h.base

	runErr := h.run(sc)

	// Any transaction the scenario left open is rolled back, marked or not.
	for len(h.txs) > 0 {
		_ = h.txs[len(h.txs)-1].Rollback()
		h.txs = h.txs[:len(h.txs)-1]
	}
	h.log.Step("close")
	closeErr := st.Close()

	if runErr != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, runErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("scenario %q: close store: %w", sc.Name, closeErr)
	}

	result := NewResult(h.log.Events())
	for i, a := range sc.Assertions {
		if err := Evaluate(a, h.log.For(a.Subscription)); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func (h *harness) run(sc *Scenario) error {
	if sc.Schema != "" {
		if err := h.store.Execute(h.ctx, sc.Schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	for _, sub := range sc.Subscriptions {
		demand := sub.Demand
		if demand == 0 {
			demand = engine.Unbounded
		}
		h.log.Step("subscribe " + sub.Name)
		s, err := h.store.CreateQuery(sub.Tables, sub.Query, sub.Args...).
			Subscribe(h.base, h.log.Recorder(sub.Name), engine.WithInitialDemand(demand))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Name, err)
		}
		h.subs[sub.Name] = s
	}

	for i, step := range sc.Steps {
		h.log.Step(step.describe())
		err := h.apply(step)
		switch {
		case step.ExpectError == "" && err != nil:
			return fmt.Errorf("steps[%d] (%s): %w", i, step.describe(), err)
		case step.ExpectError != "" && err == nil:
			return fmt.Errorf("steps[%d] (%s): expected error %s, got none", i, step.describe(), step.ExpectError)
		case step.ExpectError != "":
			if code := testutil.ErrorCode(err); code != step.ExpectError {
				return fmt.Errorf("steps[%d] (%s): expected error %s, got %s", i, step.describe(), step.ExpectError, code)
			}
		}
	}
	return nil
}

func (h *harness) apply(step Step) error {
	switch {
	case step.Begin:
		tx, ctx, err := h.store.NewTransaction(h.ctx)
		if err != nil {
			return err
		}
		h.txs = append(h.txs, tx)
		h.ctx = ctx
		return nil

	case step.MarkSuccessful:
		if len(h.txs) == 0 {
			return fmt.Errorf("mark_successful: no open transaction")
		}
		h.txs[len(h.txs)-1].MarkSuccessful()
		return nil

	case step.End:
		if len(h.txs) == 0 {
			return fmt.Errorf("end: no open transaction")
		}
		tx := h.txs[len(h.txs)-1]
		h.txs = h.txs[:len(h.txs)-1]
		if len(h.txs) == 0 {
			h.ctx = h.base
		}
		return tx.End()

	case step.Insert != nil:
		conflict, err := store.ParseConflict(step.Insert.Conflict)
		if err != nil {
			return err
		}
		_, err = h.store.Insert(h.ctx, step.Insert.Table, step.Insert.Values, conflict)
		return err

	case step.Update != nil:
		conflict, err := store.ParseConflict(step.Update.Conflict)
		if err != nil {
			return err
		}
		_, err = h.store.Update(h.ctx, step.Update.Table, step.Update.Values, conflict,
			step.Update.Where, step.Update.Args...)
		return err

	case step.Delete != nil:
		_, err := h.store.Delete(h.ctx, step.Delete.Table, step.Delete.Where, step.Delete.Args...)
		return err

	case step.Execute != nil:
		if len(step.Execute.Tables) > 0 {
			return h.store.ExecuteAndTrigger(h.ctx, step.Execute.Tables, step.Execute.SQL, step.Execute.Args...)
		}
		return h.store.Execute(h.ctx, step.Execute.SQL, step.Execute.Args...)

	case step.Request != nil:
		return h.subs[step.Request.Subscription].Request(step.Request.N)

	default:
		h.subs[step.Cancel].Cancel()
		return nil
	}
}
