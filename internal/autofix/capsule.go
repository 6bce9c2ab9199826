package autofix

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oruen/llmcheck/internal/redact"
	"github.com/oruen/llmcheck/internal/runrecord"
)

// writeCapsule renders the redacted context file handed to the repair agent:
// the classified failure, minimal reproduction parameters, and worktree
// metadata. Credentials appear only as env var names; the agent resolves
// them itself through the same indirection as the original run.
func writeCapsule(dir string, run *runrecord.Run, rec *Record, r *redact.Redactor) (string, error) {
	var b strings.Builder
	b.WriteString("# llmcheck autofix: repair agent context\n\n")
	b.WriteString("Goal: fix the agent runtime in this worktree so the failing compatibility run passes.\n\n")
	b.WriteString("## Safety\n\n")
	b.WriteString("- Do not print or persist secrets. Read credentials from the environment at runtime.\n")
	b.WriteString("- Assume transcripts and artifacts are shared; keep output minimal.\n\n")
	b.WriteString("## Failing run\n\n")
	fmt.Fprintf(&b, "- run_id: `%s`\n", run.RunID)
	fmt.Fprintf(&b, "- profile: `%s`\n", run.Profile.ProfileID)
	fmt.Fprintf(&b, "- model: `%s`\n", run.Profile.Model)
	if run.Profile.BaseURL != "" {
		fmt.Fprintf(&b, "- base_url: `%s`\n", run.Profile.BaseURL)
	}
	fmt.Fprintf(&b, "- credential env var: `%s`\n", run.Profile.APIKeyEnv)
	if run.Failure != nil {
		fmt.Fprintf(&b, "- failed stage: `%s`\n", run.Failure.Stage)
		fmt.Fprintf(&b, "- classification: `%s`\n", run.Failure.Classification)
		fmt.Fprintf(&b, "- error type: `%s`\n", run.Failure.Type)
		fmt.Fprintf(&b, "- error message: `%s`\n", run.Failure.Message)
	}
	b.WriteString("\n## Worktree\n\n")
	fmt.Fprintf(&b, "- path (cwd): `%s`\n", rec.WorktreePath)
	fmt.Fprintf(&b, "- branch: `%s`\n", rec.Branch)
	fmt.Fprintf(&b, "- base revision: `%s`\n", rec.BaseSHA)
	b.WriteString("\n## Workflow\n\n")
	b.WriteString("1. Reproduce the failing probe from the worktree root.\n")
	b.WriteString("2. Decide whether the failure is runtime code, provider quirks, or tool-call handling.\n")
	b.WriteString("3. Patch this worktree until the reproduction passes.\n")
	b.WriteString("4. Run the runtime's own tests where practical.\n")
	b.WriteString("5. Summarize what changed and why.\n")

	path := filepath.Join(dir, "autofix_context.md")
	if err := os.WriteFile(path, []byte(r.Text(b.String())), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
