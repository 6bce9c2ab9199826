package cli

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oruen/llmcheck/internal/config"
	"github.com/oruen/llmcheck/internal/engine"
	"github.com/oruen/llmcheck/internal/gitutil"
	"github.com/oruen/llmcheck/internal/logging"
	"github.com/oruen/llmcheck/internal/profile"
	"github.com/oruen/llmcheck/internal/redact"
	"github.com/oruen/llmcheck/internal/runrecord"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		toolStage string
		redactEnv []string
	)
	cmd := &cobra.Command{
		Use:   "run <profile-id>",
		Short: "Run the compatibility check suite against a profile",
		Long: "Runs stage A (basic completion) and, when it passes and policy allows,\n" +
			"stage B (end-to-end tool calling) against the configured agent runtime.\n" +
			"Exit code 0 means all attempted stages passed, 2 means the run failed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := opts.cfg.Stages.ToolStage
			if toolStage != "" {
				policy = config.ToolStagePolicy(toolStage)
				switch policy {
				case config.ToolStageAlways, config.ToolStageAuto, config.ToolStageNever:
				default:
					return fmt.Errorf("invalid --tool-stage %q (want always, auto, or never)", toolStage)
				}
			}
			return runSuite(cmd, opts, args[0], policy, redactEnv)
		},
	}
	cmd.Flags().StringVar(&toolStage, "tool-stage", "", "override tool stage policy (always, auto, never)")
	cmd.Flags().StringArrayVar(&redactEnv, "redact-env", nil, "additional env var names whose values must be redacted")
	return cmd
}

func runSuite(cmd *cobra.Command, opts *rootOptions, profileID string, policy config.ToolStagePolicy, redactEnv []string) error {
	log := logging.Component("cli")
	cfg := opts.cfg

	store := profile.NewStore(cfg.ProfilesDir)
	prof, err := store.Get(profileID)
	if err != nil {
		return err
	}

	redactNames := append([]string{prof.APIKeyEnv, cfg.Publish.TokenEnv}, redactEnv...)
	redactor := redact.FromEnv(redactNames...)

	env := runrecord.EnvironmentSnapshot{
		RuntimePath: cfg.Runtime.Path,
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		ToolVersion: Version,
	}
	if host, err := os.Hostname(); err == nil {
		env.Hostname = host
	}
	if gitutil.IsRepo(cfg.Runtime.Path) {
		if sha, err := gitutil.HeadSHA(cfg.Runtime.Path); err == nil {
			env.RuntimeSHA = sha
		}
		if dirty, err := gitutil.IsDirty(cfg.Runtime.Path); err == nil {
			env.RuntimeDirty = dirty
		}
	}

	recorder, err := runrecord.NewRecorder(cfg.RunsDir, runrecord.ProfileSnapshot{
		ProfileID: prof.ProfileID,
		Model:     prof.Model,
		BaseURL:   prof.BaseURL,
		APIKeyEnv: prof.APIKeyEnv,
		RedactEnv: redactEnv,
	}, env, redactor)
	if err != nil {
		return err
	}
	defer recorder.Close()

	withTools := false
	switch policy {
	case config.ToolStageAlways:
		withTools = true
	case config.ToolStageAuto:
		withTools = prof.SupportsTools
	}

	eng := &engine.Engine{
		Adapter: &engine.SubprocessAdapter{
			RuntimePath: cfg.Runtime.Path,
			Harness:     cfg.Runtime.Harness,
			ScratchDir:  recorder.Paths.ArtifactsDir,
		},
		Recorder:      recorder,
		Log:           logging.Component("engine"),
		StageATimeout: cfg.StageATimeout(),
		StageBTimeout: cfg.StageBTimeout(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("profile", prof.ProfileID).Str("run_dir", recorder.Paths.RunDir).Msg("starting run")
	run, err := eng.RunSuite(ctx, engine.SuiteParams{
		Model:         prof.Model,
		BaseURL:       prof.BaseURL,
		APIKeyEnv:     prof.APIKeyEnv,
		WithTools:     withTools,
		MaxIterations: cfg.Stages.BMaxIters,
	})
	if err != nil {
		return err
	}
	if err := recorder.Save(); err != nil {
		return err
	}

	// Display the persisted record, not the in-memory one. Redaction happens
	// at write time, so run.json is the only view guaranteed free of raw
	// provider text (some providers echo the credential in error messages).
	run, err = runrecord.ReadRun(recorder.Paths.RunDir)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		if err := printJSON(cmd, run); err != nil {
			return err
		}
	} else {
		printRunSummary(cmd, run, recorder.Paths.RunDir)
	}

	switch {
	case run.Failure != nil:
		return &exitCodeError{code: ExitRunFailed, msg: "run failed: " + run.Failure.Message}
	case run.Cancelled:
		return &exitCodeError{code: ExitRunFailed, msg: "run cancelled"}
	case run.OverallStatus() == "pass":
		return nil
	default:
		return &exitCodeError{code: ExitRunFailed, msg: "run did not pass"}
	}
}

func printRunSummary(cmd *cobra.Command, run *runrecord.Run, runDir string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s)\n", run.RunID, run.Profile.Model)
	for _, key := range runrecord.StageOrder {
		st, ok := run.Stages[key]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  stage %s  %-8s %s", key, st.Status, st.Name)
		if st.Error != nil {
			line += fmt.Sprintf("  [%s] %s: %s", st.Error.Classification, st.Error.Type, st.Error.Message)
		}
		fmt.Fprintln(out, line)
	}
	if run.Failure != nil && run.Failure.Hint != "" {
		fmt.Fprintf(out, "  hint: %s\n", run.Failure.Hint)
	}
	fmt.Fprintf(out, "  status: %s\n", run.OverallStatus())
	fmt.Fprintf(out, "  record: %s\n", runDir)
}
