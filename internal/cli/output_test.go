package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_Success(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Success(map[string]int{"n": 1}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)

	buf.Reset()
	f.Format = "text"
	require.NoError(t, f.Success("done"))
	assert.Equal(t, "done\n", buf.String())
}

func TestOutputFormatter_Error(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Error("STORE", "no such table: x"))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "STORE", resp.Error.Code)
	assert.Equal(t, "no such table: x", resp.Error.Message)

	buf.Reset()
	f.Format = "text"
	require.NoError(t, f.Error("STORE", "no such table: x"))
	assert.Equal(t, "Error [STORE]: no such table: x\n", buf.String())
}

func TestOutputFormatter_BatchText(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Batch(BatchOutput{
		Seq:     3,
		Trigger: "[employee]",
		Columns: []string{"id", "name"},
		Rows:    [][]any{{int64(1), "Alice"}, {int64(2), nil}},
	}))

	assert.Equal(t, "-- #3 [employee] (2 rows)\nid\tname\n1\tAlice\n2\tNULL\n", buf.String())
}

func TestOutputFormatter_BatchJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Batch(BatchOutput{Seq: 1, Trigger: "initial", Columns: []string{"n"}, Rows: [][]any{{int64(7)}}}))
	require.NoError(t, f.Batch(BatchOutput{Seq: 2, Trigger: "[t]", Columns: []string{"n"}, Rows: [][]any{}}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"seq":1,"trigger":"initial","columns":["n"],"rows":[[7]]}`, string(lines[0]))
	assert.JSONEq(t, `{"seq":2,"trigger":"[t]","columns":["n"],"rows":[]}`, string(lines[1]))
}

func TestGetExitCode(t *testing.T) {
	cause := errors.New("boom")

	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(cause))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "watch", cause))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "watch: boom", WrapExitError(ExitFailure, "watch", cause).Error())
}
