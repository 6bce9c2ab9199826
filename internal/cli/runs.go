package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oruen/llmcheck/internal/runrecord"
)

func newRunsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newRunsListCmd(opts), newRunsShowCmd(opts))
	return cmd
}

func newRunsListCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := runrecord.ListRunDirs(opts.cfg.RunsDir)
			if err != nil {
				return err
			}
			if limit > 0 && len(dirs) > limit {
				dirs = dirs[:limit]
			}
			summaries := make([]runrecord.Summary, 0, len(dirs))
			for _, dir := range dirs {
				summaries = append(summaries, runrecord.Summarize(dir))
			}
			if opts.jsonOut {
				return printJSON(cmd, summaries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tRUN\tPROFILE\tA\tB\tSTATUS")
			for _, s := range summaries {
				id := s.RunID
				if id == "" {
					id = filepath.Base(s.RunDir)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.CreatedAt, shortID(id), s.ProfileID,
					s.StageStatuses["A"], s.StageStatuses["B"], s.Status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")
	return cmd
}

func newRunsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-ref>",
		Short: "Show one run record",
		Long: "Accepts a run id, a run directory name, or a unique prefix of either.\n" +
			"Ambiguous prefixes are an error.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := runrecord.ResolveRunDir(opts.cfg.RunsDir, args[0])
			if err != nil {
				return err
			}
			run, err := runrecord.ReadRun(dir)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, run)
			}
			printRunSummary(cmd, run, dir)
			out := cmd.OutOrStdout()
			if len(run.Artifacts) > 0 {
				fmt.Fprintln(out, "  artifacts:")
				for name, ref := range run.Artifacts {
					fmt.Fprintf(out, "    %s (%d bytes)\n", name, ref.Bytes)
				}
			}
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
