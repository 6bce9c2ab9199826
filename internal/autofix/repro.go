package autofix

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/oruen/llmcheck/internal/engine"
	"github.com/oruen/llmcheck/internal/runrecord"
)

// ProbeRepro replays the failing suite against a candidate worktree by
// pointing a fresh subprocess adapter at it. It does not record a run; it
// only answers "does the failure still reproduce here".
type ProbeRepro struct {
	Harness       []string
	Run           *runrecord.Run
	StageATimeout time.Duration
	StageBTimeout time.Duration
	MaxIterations int
	WithTools     bool
}

func (r *ProbeRepro) Repro(ctx context.Context, worktreeDir string) (ReproOutcome, error) {
	scratch, err := os.MkdirTemp("", "llmcheck-repro-*")
	if err != nil {
		return ReproOutcome{}, err
	}
	defer os.RemoveAll(scratch)

	adapter := &engine.SubprocessAdapter{
		RuntimePath: worktreeDir,
		Harness:     r.Harness,
		ScratchDir:  scratch,
	}
	p := r.Run.Profile

	aCtx, cancelA := context.WithTimeout(ctx, r.StageATimeout)
	aRes, aErr := adapter.BasicCompletion(aCtx, engine.ProbeParams{
		Model:     p.Model,
		BaseURL:   p.BaseURL,
		APIKeyEnv: p.APIKeyEnv,
		Prompt:    engine.CompletionPrompt(),
		TimeoutS:  int(r.StageATimeout / time.Second),
	})
	cancelA()
	if ctx.Err() != nil {
		return ReproOutcome{}, ctx.Err()
	}

	out := ReproOutcome{APassed: aErr == nil && aRes.OK && aRes.ResponsePreview != ""}
	if !out.APassed || !r.WithTools {
		return out, nil
	}

	workspace := filepath.Join(scratch, "workspace")
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return out, err
	}
	bCtx, cancelB := context.WithTimeout(ctx, r.StageBTimeout)
	bRes, bErr := adapter.AgentToolRun(bCtx, engine.ProbeParams{
		Model:         p.Model,
		BaseURL:       p.BaseURL,
		APIKeyEnv:     p.APIKeyEnv,
		Prompt:        engine.ToolRunPrompt(),
		TimeoutS:      int(r.StageBTimeout / time.Second),
		MaxIterations: r.MaxIterations,
		WorkspaceDir:  workspace,
		Marker:        engine.Marker,
	})
	cancelB()
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	out.BAttempted = true
	out.BPassed = bErr == nil && bRes.OK && bRes.ToolInvoked && !bRes.ToolErrored
	return out, nil
}
