// Package cli wires the llmcheck commands together.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oruen/llmcheck/internal/config"
	"github.com/oruen/llmcheck/internal/logging"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Exit codes. Run failures are distinguished from tool errors so scripts can
// branch on "endpoint is broken" without parsing output.
const (
	ExitOK        = 0
	ExitInternal  = 1
	ExitRunFailed = 2
)

// exitCodeError carries a process exit code through cobra's error path.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	jsonOut    bool

	cfg *config.Config
}

// New builds the root command tree.
func New() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "llmcheck",
		Short: "Check OpenAI-compatible endpoints against an agent runtime",
		Long: "llmcheck probes an OpenAI-compatible model endpoint through a real agent\n" +
			"runtime: first a basic completion, then an end-to-end tool-calling run.\n" +
			"Failures are classified and, for runtime bugs, handed to a repair agent.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: opts.logLevel, Format: opts.logFormat})
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/llmcheck/config.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	pf.BoolVar(&opts.jsonOut, "json", false, "print machine-readable JSON output")

	cmd.AddCommand(
		newRunCmd(opts),
		newProfileCmd(opts),
		newRunsCmd(opts),
		newAutofixCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := New()
	if err := cmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if ec.msg != "" {
				fmt.Fprintln(os.Stderr, "llmcheck:", ec.msg)
			}
			return ec.code
		}
		fmt.Fprintln(os.Stderr, "llmcheck:", err)
		return ExitInternal
	}
	return ExitOK
}
