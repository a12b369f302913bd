package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/livequery/internal/bridge"
	"github.com/roach88/livequery/internal/errs"
	"github.com/roach88/livequery/internal/store"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Database string
	Tables   []string
}

// ExecResult is the JSON payload of a successful exec.
type ExecResult struct {
	Statement string   `json:"statement"`
	Tables    []string `json:"tables,omitempty"`
}

func (r ExecResult) String() string {
	if len(r.Tables) == 0 {
		return "ok"
	}
	return "ok, triggered " + strings.Join(r.Tables, ", ")
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec [flags] <sql> [args...]",
		Short: "Execute a statement and notify the given tables",
		Long: `Execute one SQL statement. Every --table is notified afterwards,
whether or not the statement changed anything.

Example:
  livequery exec --db app.db --table employee \
      'UPDATE employee SET name = ? WHERE id = ?' Alice 1`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("db") {
				opts.Database = opts.config().Database.Path
			}
			return runExec(cmd, opts, args[0], toArgs(args[1:]))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite database")
	cmd.Flags().StringArrayVar(&opts.Tables, "table", nil, "table to notify (repeatable)")

	return cmd
}

func runExec(cmd *cobra.Command, opts *ExecOptions, stmt string, args []any) error {
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	st, err := store.Open(opts.Database, store.WithLogger(opts.logger()))
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if len(opts.Tables) > 0 {
		err = st.ExecuteAndTrigger(ctx, opts.Tables, stmt, args...)
		if err == nil {
			// Watchers in other processes only see the change log.
			err = bridge.Touch(ctx, st.DB(), opts.Tables...)
		}
	} else {
		err = st.Execute(ctx, stmt, args...)
	}
	if err != nil {
		code := "EXEC"
		if errs.IsStoreError(err) {
			code = string(errs.ErrCodeStore)
		}
		_ = out.Error(code, err.Error())
		return WrapExitError(ExitFailure, "exec", err)
	}

	return out.Success(ExecResult{Statement: stmt, Tables: opts.Tables})
}
