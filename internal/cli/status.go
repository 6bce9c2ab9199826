package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/oruen/llmcheck/internal/gitutil"
	"github.com/oruen/llmcheck/internal/profile"
	"github.com/oruen/llmcheck/internal/runrecord"
)

type statusReport struct {
	Version        string `json:"version"`
	RuntimePath    string `json:"runtime_path"`
	RuntimeIsRepo  bool   `json:"runtime_is_repo"`
	RuntimeSHA     string `json:"runtime_sha,omitempty"`
	RuntimeDirty   bool   `json:"runtime_dirty,omitempty"`
	GitAvailable   bool   `json:"git_available"`
	Profiles       int    `json:"profiles"`
	Runs           int    `json:"runs"`
	RunsDir        string `json:"runs_dir"`
	PublishRepo    string `json:"publish_repo,omitempty"`
	PublishTokenOK bool   `json:"publish_token_set"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report local environment readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			rep := statusReport{
				Version:     Version,
				RuntimePath: cfg.Runtime.Path,
				RunsDir:     cfg.RunsDir,
				PublishRepo: cfg.Publish.UpstreamRepo,
			}
			_, err := exec.LookPath("git")
			rep.GitAvailable = err == nil
			if rep.GitAvailable && gitutil.IsRepo(cfg.Runtime.Path) {
				rep.RuntimeIsRepo = true
				if sha, err := gitutil.HeadSHA(cfg.Runtime.Path); err == nil {
					rep.RuntimeSHA = sha
				}
				if dirty, err := gitutil.IsDirty(cfg.Runtime.Path); err == nil {
					rep.RuntimeDirty = dirty
				}
			}
			if recs, err := profile.NewStore(cfg.ProfilesDir).List(); err == nil {
				rep.Profiles = len(recs)
			}
			if dirs, err := runrecord.ListRunDirs(cfg.RunsDir); err == nil {
				rep.Runs = len(dirs)
			}
			rep.PublishTokenOK = os.Getenv(cfg.Publish.TokenEnv) != ""

			if opts.jsonOut {
				return printJSON(cmd, rep)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "llmcheck %s\n", rep.Version)
			fmt.Fprintf(out, "  runtime:  %s (repo=%v dirty=%v sha=%s)\n",
				rep.RuntimePath, rep.RuntimeIsRepo, rep.RuntimeDirty, shortID(rep.RuntimeSHA))
			fmt.Fprintf(out, "  git:      available=%v\n", rep.GitAvailable)
			fmt.Fprintf(out, "  profiles: %d\n", rep.Profiles)
			fmt.Fprintf(out, "  runs:     %d in %s\n", rep.Runs, rep.RunsDir)
			if rep.PublishRepo != "" {
				fmt.Fprintf(out, "  publish:  %s (token set=%v)\n", rep.PublishRepo, rep.PublishTokenOK)
			}
			return nil
		},
	}
}
