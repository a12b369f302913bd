package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/livequery/internal/config"
)

// ValidationResult is the outcome of validating one config file.
type ValidationResult struct {
	File  string `json:"file"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.yaml>...",
		Short: "Check config files against the configuration schema",
		Long: `Check YAML config files without starting anything. Unknown keys,
wrong types and out-of-range values are reported with their position.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args)
		},
	}
}

func runValidate(cmd *cobra.Command, opts *RootOptions, files []string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	results := make([]ValidationResult, 0, len(files))
	invalid := 0
	for _, f := range files {
		r := ValidationResult{File: f, Valid: true}
		data, err := os.ReadFile(f)
		if err == nil {
			err = config.Validate(f, data)
		}
		if err != nil {
			r.Valid = false
			r.Error = err.Error()
			invalid++
		}
		results = append(results, r)
	}

	if opts.Format == "json" {
		if err := out.Success(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(out.Writer, "✓ %s\n", r.File)
				continue
			}
			fmt.Fprintf(out.Writer, "✗ %s\n%s\n", r.File, r.Error)
		}
	}

	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d invalid config file(s)", invalid))
	}
	return nil
}
