package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/livequery/internal/testutil"
)

// EncodeTrace renders a trace as JSON Lines, one event per line.
func EncodeTrace(trace []testutil.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range trace {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode trace event %d: %w", e.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs sc, fails t on any assertion error and compares the
// trace with testdata/golden/<name>.golden. Run the tests with -update to
// rewrite the golden files.
func RunWithGolden(t *testing.T, sc *Scenario) *Result {
	t.Helper()

	result, err := Run(sc)
	if err != nil {
		t.Fatalf("run scenario: %v", err)
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", sc.Name, msg)
	}
	AssertGolden(t, sc.Name, result)
	return result
}

// AssertGolden compares result's trace with the golden file for name.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := EncodeTrace(result.Trace)
	if err != nil {
		t.Fatalf("encode trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
		goldie.WithEqualFn(func(actual, expected []byte) bool {
			return bytes.Equal(bytes.TrimSpace(actual), bytes.TrimSpace(expected))
		}),
	)
	g.Assert(t, name, data)
}
