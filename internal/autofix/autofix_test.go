package autofix

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oruen/llmcheck/internal/gitutil"
	"github.com/oruen/llmcheck/internal/redact"
	"github.com/oruen/llmcheck/internal/runrecord"
)

func TestStateTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateCreated, StateWorktreeProvisioned},
		{StateCreated, StateAgentFailed},
		{StateWorktreeProvisioned, StateAgentRunning},
		{StateWorktreeProvisioned, StateNoRepro},
		{StateAgentRunning, StatePatched},
		{StateAgentRunning, StateAgentFailed},
		{StatePatched, StatePublished},
		{StatePatched, StateLeftLocal},
	}
	for _, tc := range legal {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
	illegal := []struct{ from, to State }{
		{StateCreated, StatePatched},
		{StateCreated, StatePublished},
		{StateNoRepro, StateAgentRunning},
		{StatePublished, StateLeftLocal},
		{StateLeftLocal, StatePublished},
		{StateAgentFailed, StateAgentRunning},
		{StatePatched, StateAgentRunning},
	}
	for _, tc := range illegal {
		if canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
	for _, s := range []State{StateNoRepro, StateAgentFailed, StatePublished, StateLeftLocal} {
		if !s.terminal() {
			t.Errorf("%s.terminal() = false, want true", s)
		}
	}
	if StateCreated.terminal() || StatePatched.terminal() {
		t.Error("non-terminal state reported terminal")
	}
}

func TestFailLogsRecordWriteFailure(t *testing.T) {
	runDir := t.TempDir()
	// A regular file where the artifacts directory belongs makes every
	// record write fail.
	if err := os.WriteFile(filepath.Join(runDir, "artifacts"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	o := &Orchestrator{Redactor: redact.New(), Log: zerolog.New(&logs)}
	rec := &Record{AutofixID: "01test", State: StateAgentRunning}

	o.fail(rec, runDir, "agent run failed: boom")

	if rec.State != StateAgentFailed {
		t.Fatalf("state = %s, want %s", rec.State, StateAgentFailed)
	}
	if !strings.Contains(logs.String(), "autofix record write failed") {
		t.Fatalf("failed record write left no log trace: %s", logs.String())
	}
}

// fakeAgent edits the worktree to simulate a repair, or fails.
type fakeAgent struct {
	exitCode int
	err      error
	edit     func(worktreeDir string) error
	calls    int
}

func (a *fakeAgent) Name() string { return "fake" }

func (a *fakeAgent) Run(ctx context.Context, p AgentParams) (int, error) {
	a.calls++
	if a.err != nil {
		return -1, a.err
	}
	if a.edit != nil {
		if err := a.edit(p.WorktreeDir); err != nil {
			return -1, err
		}
	}
	return a.exitCode, nil
}

// fakeRepro returns scripted outcomes in order.
type fakeRepro struct {
	outcomes []ReproOutcome
	errs     []error
	calls    int
}

func (r *fakeRepro) Repro(ctx context.Context, worktreeDir string) (ReproOutcome, error) {
	i := r.calls
	r.calls++
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	var out ReproOutcome
	if i < len(r.outcomes) {
		out = r.outcomes[i]
	}
	return out, err
}

type fakePublisher struct {
	url   string
	err   error
	calls int
}

func (p *fakePublisher) Publish(ctx context.Context, worktreeDir, branch, title, body string) (PublishResult, error) {
	p.calls++
	if p.err != nil {
		return PublishResult{}, p.err
	}
	return PublishResult{PRURL: p.url}, nil
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// initRuntimeRepo creates a git repo standing in for the agent runtime.
func initRuntimeRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@local",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@local")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	git("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "client.py"), []byte("print('v1')\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	git("add", ".")
	git("commit", "-m", "initial")

	sha, err := gitutil.HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, sha
}

func failedRun(t *testing.T, sha string) (*runrecord.Run, string) {
	t.Helper()
	runDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o700); err != nil {
		t.Fatal(err)
	}
	return &runrecord.Run{
		SchemaVersion: runrecord.SchemaVersion,
		RunID:         "01testrun",
		Profile:       runrecord.ProfileSnapshot{ProfileID: "acme", Model: "gpt-test", APIKeyEnv: "ACME_KEY"},
		Environment:   runrecord.EnvironmentSnapshot{RuntimeSHA: sha},
		Stages: map[string]*runrecord.StageResult{
			"A": {Status: runrecord.StatusPassed},
			"B": {Status: runrecord.StatusFailed},
		},
		Failure: &runrecord.FailureSummary{
			Classification: "sdk_or_provider_bug",
			Stage:          "B",
			Type:           "ToolCallContractError",
			Message:        "no tool invocation observed",
		},
	}, runDir
}

func newOrchestrator(agent Agent, repro ReproRunner, pub Publisher) *Orchestrator {
	return &Orchestrator{
		Agent:     agent,
		Repro:     repro,
		Publisher: pub,
		Redactor:  redact.New("fake-secret"),
		Log:       zerolog.Nop(),
	}
}

func TestFixEligibility(t *testing.T) {
	orch := newOrchestrator(&fakeAgent{}, &fakeRepro{}, nil)
	opts := Options{RepoDir: t.TempDir(), WorktreesDir: t.TempDir()}

	run, runDir := failedRun(t, "abc123")
	run.Failure = nil
	if _, err := orch.Fix(context.Background(), run, runDir, opts); !errors.Is(err, ErrNoFailure) {
		t.Fatalf("no failure: err = %v, want ErrNoFailure", err)
	}

	run, runDir = failedRun(t, "abc123")
	run.Failure.Classification = "credential_or_config"
	if _, err := orch.Fix(context.Background(), run, runDir, opts); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("config failure: err = %v, want ErrNotEligible", err)
	}

	run, runDir = failedRun(t, "")
	if _, err := orch.Fix(context.Background(), run, runDir, opts); !errors.Is(err, ErrNoBaseSHA) {
		t.Fatalf("no base sha: err = %v, want ErrNoBaseSHA", err)
	}
}

func TestFixNoRepro(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)

	agent := &fakeAgent{}
	repro := &fakeRepro{outcomes: []ReproOutcome{{APassed: true, BAttempted: true, BPassed: true}}}
	orch := newOrchestrator(agent, repro, &fakePublisher{url: "http://unused"})

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if rec.State != StateNoRepro {
		t.Fatalf("state = %s, want no_repro", rec.State)
	}
	if agent.calls != 0 {
		t.Fatal("agent ran despite a passing baseline")
	}
	if _, statErr := os.Stat(rec.WorktreePath); !os.IsNotExist(statErr) {
		t.Fatalf("worktree %s not torn down", rec.WorktreePath)
	}
}

func TestFixPublished(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)

	agent := &fakeAgent{edit: func(wt string) error {
		return os.WriteFile(filepath.Join(wt, "client.py"), []byte("print('v2 fixed')\n"), 0o600)
	}}
	repro := &fakeRepro{outcomes: []ReproOutcome{
		{APassed: true, BAttempted: true, BPassed: false},
		{APassed: true, BAttempted: true, BPassed: true},
	}}
	pub := &fakePublisher{url: "https://github.com/acme/runtime/pull/7"}
	orch := newOrchestrator(agent, repro, pub)

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if rec.State != StatePublished {
		t.Fatalf("state = %s, want published", rec.State)
	}
	if rec.PRURL != pub.url {
		t.Fatalf("PRURL = %q", rec.PRURL)
	}
	if agent.calls != 1 || repro.calls != 2 || pub.calls != 1 {
		t.Fatalf("calls agent=%d repro=%d publish=%d", agent.calls, repro.calls, pub.calls)
	}
	if !strings.HasPrefix(rec.Branch, "llmcheck-autofix-acme-") {
		t.Fatalf("branch = %q", rec.Branch)
	}

	// The patch artifact and the autofix record must exist in the run dir.
	if _, err := os.Stat(filepath.Join(runDir, "artifacts", "autofix_"+rec.AutofixID+".patch")); err != nil {
		t.Fatalf("patch artifact: %v", err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "artifacts", "autofix_"+rec.AutofixID+".json")); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
}

func TestFixPublishFailureLeavesPatchLocal(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)

	agent := &fakeAgent{edit: func(wt string) error {
		return os.WriteFile(filepath.Join(wt, "client.py"), []byte("print('v2')\n"), 0o600)
	}}
	repro := &fakeRepro{outcomes: []ReproOutcome{
		{APassed: false},
		{APassed: true},
	}}
	pub := &fakePublisher{err: errors.New("remote rejected the push")}
	orch := newOrchestrator(agent, repro, pub)

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Fix must not fail on publish errors: %v", err)
	}
	if rec.State != StateLeftLocal {
		t.Fatalf("state = %s, want left_local", rec.State)
	}
	if rec.PublishError == "" {
		t.Fatal("publish error not recorded")
	}
	if !strings.Contains(rec.Outcome, rec.WorktreePath) {
		t.Fatalf("outcome %q does not point at the surviving worktree", rec.Outcome)
	}
	if _, statErr := os.Stat(rec.WorktreePath); statErr != nil {
		t.Fatalf("worktree must survive a publish failure: %v", statErr)
	}
}

func TestFixSkipPublish(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)

	agent := &fakeAgent{edit: func(wt string) error {
		return os.WriteFile(filepath.Join(wt, "client.py"), []byte("print('v2')\n"), 0o600)
	}}
	repro := &fakeRepro{outcomes: []ReproOutcome{{APassed: false}, {APassed: true}}}
	pub := &fakePublisher{url: "https://example/pr"}
	orch := newOrchestrator(agent, repro, pub)

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(), SkipPublish: true,
	})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if rec.State != StateLeftLocal {
		t.Fatalf("state = %s, want left_local", rec.State)
	}
	if pub.calls != 0 {
		t.Fatal("publisher called despite SkipPublish")
	}
}

func TestFixAgentFailureKeepsWorktree(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)

	agent := &fakeAgent{exitCode: 3}
	repro := &fakeRepro{outcomes: []ReproOutcome{{APassed: false}}}
	orch := newOrchestrator(agent, repro, nil)

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("Fix should surface the agent failure")
	}
	if rec.State != StateAgentFailed {
		t.Fatalf("state = %s, want agent_failed", rec.State)
	}
	if _, statErr := os.Stat(rec.WorktreePath); statErr != nil {
		t.Fatalf("worktree must be kept for inspection: %v", statErr)
	}
}

func TestFixStillFailingAfterAgent(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)

	agent := &fakeAgent{}
	repro := &fakeRepro{outcomes: []ReproOutcome{{APassed: false}, {APassed: false}}}
	orch := newOrchestrator(agent, repro, nil)

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if rec.State != StateAgentFailed {
		t.Fatalf("state = %s, want agent_failed when the failure persists", rec.State)
	}
}

func TestFixDirtyRepoRefused(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	if err := os.WriteFile(filepath.Join(repoDir, "uncommitted.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	run, runDir := failedRun(t, sha)
	orch := newOrchestrator(&fakeAgent{}, &fakeRepro{}, nil)

	_, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(),
	})
	if !errors.Is(err, ErrDirtyRepo) {
		t.Fatalf("err = %v, want ErrDirtyRepo", err)
	}
}

func TestFixForceOverridesClassification(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)
	run.Failure.Classification = "credential_or_config"

	repro := &fakeRepro{outcomes: []ReproOutcome{{APassed: true}}}
	orch := newOrchestrator(&fakeAgent{}, repro, nil)

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(), Force: true,
	})
	if err != nil {
		t.Fatalf("Fix with force: %v", err)
	}
	if rec.State != StateNoRepro {
		t.Fatalf("state = %s, want no_repro", rec.State)
	}
}

func TestFixAgentTimeout(t *testing.T) {
	requireGit(t)
	repoDir, sha := initRuntimeRepo(t)
	run, runDir := failedRun(t, sha)

	slow := &slowAgent{d: 500 * time.Millisecond}
	repro := &fakeRepro{outcomes: []ReproOutcome{{APassed: false}}}
	orch := newOrchestrator(slow, repro, nil)

	rec, err := orch.Fix(context.Background(), run, runDir, Options{
		RepoDir: repoDir, WorktreesDir: t.TempDir(), AgentTimeout: 20 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("Fix should report the agent timeout")
	}
	if rec.State != StateAgentFailed {
		t.Fatalf("state = %s, want agent_failed", rec.State)
	}
	if !strings.Contains(rec.Outcome, "timed out") {
		t.Fatalf("outcome = %q, want timeout mention", rec.Outcome)
	}
}

type slowAgent struct{ d time.Duration }

func (a *slowAgent) Name() string { return "slow" }

func (a *slowAgent) Run(ctx context.Context, p AgentParams) (int, error) {
	select {
	case <-time.After(a.d):
		return 0, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
