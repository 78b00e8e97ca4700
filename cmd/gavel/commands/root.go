package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// statusError carries a process exit code for graduated decision
// outcomes and verification failures.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

// ExitCode maps an error to the process exit code. Plain errors exit 1;
// graduated outcomes carry their own codes.
func ExitCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gavel",
		Short: "Gavel - Policy Decision Engine",
		Long: `Gavel evaluates operations against a versioned rule bundle and
produces graduated, auditable verdicts.

Features:
  - Rego and expression rules with hot reload
  - Verified reference-data snapshots per evaluation
  - Hash-chained, HMAC-signed decision log
  - Multi-approval emergency overrides
  - Graduated responses with fail-closed semantics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gavel.cue", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newEvaluateCommand())
	rootCmd.AddCommand(newOverrideCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newBundleCommand())

	return rootCmd
}
