package cli

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oruen/llmcheck/internal/autofix"
	"github.com/oruen/llmcheck/internal/logging"
	"github.com/oruen/llmcheck/internal/publish"
	"github.com/oruen/llmcheck/internal/redact"
	"github.com/oruen/llmcheck/internal/runrecord"
)

func newAutofixCmd(opts *rootOptions) *cobra.Command {
	var (
		agentName    string
		force        bool
		allowDirty   bool
		keepWorktree bool
		skipPublish  bool
	)
	cmd := &cobra.Command{
		Use:   "autofix <run-ref>",
		Short: "Hand a failed run to a repair agent in an isolated worktree",
		Long: "Provisions a git worktree of the runtime at the revision the run tested,\n" +
			"confirms the failure reproduces there, runs a repair agent against it,\n" +
			"re-validates, and publishes the patch as a pull request. Only failures\n" +
			"classified as runtime bugs (or unknown) are eligible; --force overrides.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			runDir, err := runrecord.ResolveRunDir(cfg.RunsDir, args[0])
			if err != nil {
				return err
			}
			run, err := runrecord.ReadRun(runDir)
			if err != nil {
				return err
			}

			spec, err := autofix.LoadAgentSpec(cfg.Autofix.AgentSpecPath, agentName)
			if err != nil {
				return err
			}
			redactNames := append([]string{run.Profile.APIKeyEnv, cfg.Publish.TokenEnv}, run.Profile.RedactEnv...)
			redactor := redact.FromEnv(redactNames...)

			var publisher autofix.Publisher
			if !skipPublish && cfg.Publish.UpstreamRepo != "" {
				p, err := publish.New(publish.Config{
					UpstreamRepo: cfg.Publish.UpstreamRepo,
					BaseBranch:   cfg.Publish.BaseBranch,
					Remote:       cfg.Publish.Remote,
					TokenEnv:     cfg.Publish.TokenEnv,
					Draft:        cfg.Publish.Draft,
				})
				if err != nil {
					return err
				}
				publisher = p
			}

			orch := &autofix.Orchestrator{
				Agent: &autofix.CommandAgent{Spec: spec, Redactor: redactor},
				Repro: &autofix.ProbeRepro{
					Harness:       cfg.Runtime.Harness,
					Run:           run,
					StageATimeout: cfg.StageATimeout(),
					StageBTimeout: cfg.StageBTimeout(),
					MaxIterations: cfg.Stages.BMaxIters,
					WithTools:     run.Failure != nil && run.Failure.Stage == "B",
				},
				Publisher: publisher,
				Redactor:  redactor,
				Log:       logging.Component("autofix"),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rec, err := orch.Fix(ctx, run, runDir, autofix.Options{
				RepoDir:      cfg.Runtime.Path,
				WorktreesDir: cfg.Autofix.WorktreesDir,
				AgentTimeout: cfg.AgentTimeout(),
				KeepWorktree: keepWorktree || cfg.Autofix.KeepWorktree,
				AllowDirty:   allowDirty,
				Force:        force,
				SkipPublish:  skipPublish,
			})
			if rec != nil {
				if opts.jsonOut {
					printJSON(cmd, rec)
				} else {
					printAutofixOutcome(cmd, rec)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "named agent from the agent spec file (default: first entry)")
	cmd.Flags().BoolVar(&force, "force", false, "attempt autofix regardless of failure classification")
	cmd.Flags().BoolVar(&allowDirty, "allow-dirty", false, "provision from a runtime checkout with uncommitted changes")
	cmd.Flags().BoolVar(&keepWorktree, "keep-worktree", false, "keep the worktree even after a clean outcome")
	cmd.Flags().BoolVar(&skipPublish, "skip-publish", false, "stop after patching; do not push or open a PR")
	return cmd
}

func printAutofixOutcome(cmd *cobra.Command, rec *autofix.Record) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "autofix %s (run %s)\n", rec.AutofixID, rec.SourceRunID)
	fmt.Fprintf(out, "  state: %s\n", rec.State)
	if rec.Branch != "" {
		fmt.Fprintf(out, "  branch: %s\n", rec.Branch)
	}
	if rec.WorktreePath != "" {
		fmt.Fprintf(out, "  worktree: %s\n", rec.WorktreePath)
	}
	if rec.PRURL != "" {
		fmt.Fprintf(out, "  pull request: %s\n", rec.PRURL)
	}
	if rec.PatchStat != "" {
		fmt.Fprintf(out, "  patch:\n%s\n", indent(rec.PatchStat, "    "))
	}
	if rec.Outcome != "" {
		fmt.Fprintf(out, "  outcome: %s\n", rec.Outcome)
	}
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
