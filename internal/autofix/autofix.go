package autofix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/oruen/llmcheck/internal/classify"
	"github.com/oruen/llmcheck/internal/gitutil"
	"github.com/oruen/llmcheck/internal/redact"
	"github.com/oruen/llmcheck/internal/runrecord"
)

// State is a node in the autofix lifecycle. Transitions only move forward;
// a record never re-enters an earlier state.
type State string

const (
	StateCreated             State = "created"
	StateWorktreeProvisioned State = "worktree_provisioned"
	StateAgentRunning        State = "agent_running"
	StatePatched             State = "patched"
	StateNoRepro             State = "no_repro"
	StateAgentFailed         State = "agent_failed"
	StatePublished           State = "published"
	StateLeftLocal           State = "left_local"
)

// terminal reports whether no further transition is expected from s.
func (s State) terminal() bool {
	switch s {
	case StateNoRepro, StateAgentFailed, StatePublished, StateLeftLocal:
		return true
	}
	return false
}

var stateNext = map[State][]State{
	StateCreated:             {StateWorktreeProvisioned, StateAgentFailed},
	StateWorktreeProvisioned: {StateAgentRunning, StateNoRepro, StateAgentFailed},
	StateAgentRunning:        {StatePatched, StateNoRepro, StateAgentFailed},
	StatePatched:             {StatePublished, StateLeftLocal},
}

func canTransition(from, to State) bool {
	for _, n := range stateNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Record is the persisted outcome of one autofix attempt. It is written to
// the source run's artifacts directory through the redactor, like every
// other artifact.
type Record struct {
	AutofixID    string    `json:"autofix_id"`
	SourceRunID  string    `json:"source_run_id"`
	CreatedAt    time.Time `json:"created_at"`
	State        State     `json:"state"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	BaseSHA      string    `json:"base_sha,omitempty"`
	AgentName    string    `json:"agent_name,omitempty"`
	PRURL        string    `json:"pr_url,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	PublishError string    `json:"publish_error,omitempty"`
	PatchStat    string    `json:"patch_stat,omitempty"`
}

// ReproOutcome is what one validation pass against the worktree observed.
type ReproOutcome struct {
	APassed    bool
	BAttempted bool
	BPassed    bool
}

// Passing reports whether the reproduction saw no failure to fix.
func (o ReproOutcome) Passing() bool {
	if !o.APassed {
		return false
	}
	if o.BAttempted && !o.BPassed {
		return false
	}
	return true
}

// ReproRunner replays the failing suite against a candidate worktree.
type ReproRunner interface {
	Repro(ctx context.Context, worktreeDir string) (ReproOutcome, error)
}

// AgentParams carries everything a repair agent needs to start.
type AgentParams struct {
	WorktreeDir    string
	CapsulePath    string
	TranscriptPath string
}

// Agent runs a repair agent to completion and returns its exit code.
type Agent interface {
	Name() string
	Run(ctx context.Context, p AgentParams) (int, error)
}

// PublishResult is the remote side of a successful publish.
type PublishResult struct {
	PRURL string
}

// Publisher pushes a branch and opens a pull request for it.
type Publisher interface {
	Publish(ctx context.Context, worktreeDir, branch, title, body string) (PublishResult, error)
}

// Options configure one Orchestrator.Fix invocation.
type Options struct {
	RepoDir      string
	WorktreesDir string
	AgentTimeout time.Duration
	KeepWorktree bool
	AllowDirty   bool
	Force        bool
	SkipPublish  bool
}

// Orchestrator drives the provision / repair / validate / publish flow for
// one failed run.
type Orchestrator struct {
	Agent     Agent
	Repro     ReproRunner
	Publisher Publisher
	Redactor  *redact.Redactor
	Log       zerolog.Logger
}

var (
	ErrNotEligible = errors.New("run failure is not classified as a runtime bug")
	ErrNoFailure   = errors.New("run has no recorded failure")
	ErrDirtyRepo   = errors.New("runtime repository has uncommitted changes")
	ErrNoBaseSHA   = errors.New("run does not record the runtime revision it tested")
)

// Fix executes the full autofix flow for run, recording progress in the
// returned Record. The record is persisted to runDir/artifacts after every
// state change so an interrupted attempt still leaves evidence.
func (o *Orchestrator) Fix(ctx context.Context, run *runrecord.Run, runDir string, opts Options) (*Record, error) {
	if run.Failure == nil {
		return nil, ErrNoFailure
	}
	if !opts.Force && !classify.Classification(run.Failure.Classification).GatesAutofix() {
		return nil, fmt.Errorf("%w (classification %q)", ErrNotEligible, run.Failure.Classification)
	}
	if run.Environment.RuntimeSHA == "" {
		return nil, ErrNoBaseSHA
	}

	id := ulid.Make().String()
	rec := &Record{
		AutofixID:   id,
		SourceRunID: run.RunID,
		CreatedAt:   time.Now().UTC(),
		State:       StateCreated,
		BaseSHA:     run.Environment.RuntimeSHA,
		Branch:      branchName(run.Profile.ProfileID, id),
	}
	if o.Agent != nil {
		rec.AgentName = o.Agent.Name()
	}
	if err := o.save(rec, runDir); err != nil {
		return rec, err
	}

	if err := o.provision(rec, runDir, opts); err != nil {
		o.fail(rec, runDir, "worktree provisioning failed: "+err.Error())
		return rec, err
	}

	baseline, err := o.Repro.Repro(ctx, rec.WorktreePath)
	if err != nil {
		o.fail(rec, runDir, "baseline reproduction errored: "+err.Error())
		o.teardown(rec, opts, true)
		return rec, err
	}
	if baseline.Passing() {
		o.transition(rec, runDir, StateNoRepro)
		rec.Outcome = "failure did not reproduce against a clean worktree"
		o.saveOrWarn(rec, runDir)
		o.teardown(rec, opts, false)
		return rec, nil
	}

	if err := o.runAgent(ctx, rec, run, runDir, opts); err != nil {
		o.fail(rec, runDir, "agent run failed: "+err.Error())
		return rec, err
	}

	after, err := o.Repro.Repro(ctx, rec.WorktreePath)
	if err != nil {
		o.fail(rec, runDir, "validation reproduction errored: "+err.Error())
		return rec, err
	}
	if !after.Passing() {
		o.fail(rec, runDir, "agent finished but the failure still reproduces")
		return rec, nil
	}

	o.transition(rec, runDir, StatePatched)
	if stat, err := gitutil.DiffStat(rec.WorktreePath); err == nil {
		rec.PatchStat = strings.TrimSpace(stat)
	}
	if patch, err := gitutil.DiffPatch(rec.WorktreePath); err == nil && patch != "" {
		path := filepath.Join(runDir, "artifacts", "autofix_"+rec.AutofixID+".patch")
		if werr := os.WriteFile(path, []byte(o.Redactor.Text(patch)), 0o600); werr != nil {
			o.Log.Warn().Err(werr).Str("autofix_id", rec.AutofixID).Msg("patch artifact write failed")
		}
	}
	o.saveOrWarn(rec, runDir)

	if opts.SkipPublish || o.Publisher == nil {
		o.transition(rec, runDir, StateLeftLocal)
		rec.Outcome = leftLocalInstructions(rec)
		o.saveOrWarn(rec, runDir)
		return rec, nil
	}

	if err := o.publish(ctx, rec, run, runDir); err != nil {
		// Publish failures are never fatal. The patch survives locally.
		o.transition(rec, runDir, StateLeftLocal)
		rec.PublishError = o.Redactor.Text(err.Error())
		rec.Outcome = leftLocalInstructions(rec)
		o.saveOrWarn(rec, runDir)
		return rec, nil
	}

	o.transition(rec, runDir, StatePublished)
	rec.Outcome = "pull request opened: " + rec.PRURL
	o.saveOrWarn(rec, runDir)
	o.teardown(rec, opts, false)
	return rec, nil
}

func (o *Orchestrator) provision(rec *Record, runDir string, opts Options) error {
	if !gitutil.IsRepo(opts.RepoDir) {
		return fmt.Errorf("%s is not a git repository", opts.RepoDir)
	}
	if !opts.AllowDirty {
		dirty, err := gitutil.IsDirty(opts.RepoDir)
		if err != nil {
			return err
		}
		if dirty {
			return ErrDirtyRepo
		}
	}
	if err := os.MkdirAll(opts.WorktreesDir, 0o700); err != nil {
		return err
	}
	dir := filepath.Join(opts.WorktreesDir, "autofix_"+rec.AutofixID)
	if err := gitutil.AddWorktreeAt(opts.RepoDir, dir, rec.Branch, rec.BaseSHA); err != nil {
		return err
	}
	rec.WorktreePath = dir
	o.transition(rec, runDir, StateWorktreeProvisioned)
	return o.save(rec, runDir)
}

func (o *Orchestrator) runAgent(ctx context.Context, rec *Record, run *runrecord.Run, runDir string, opts Options) error {
	// The capsule lives with the run's artifacts, not in the worktree, so
	// it can never leak into the committed patch.
	artifactsDir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o700); err != nil {
		return err
	}
	capsule, err := writeCapsule(artifactsDir, run, rec, o.Redactor)
	if err != nil {
		return err
	}
	o.transition(rec, runDir, StateAgentRunning)
	if err := o.save(rec, runDir); err != nil {
		return err
	}

	transcript := filepath.Join(runDir, "artifacts", "autofix_"+rec.AutofixID+"_agent.log")
	agentCtx := ctx
	if opts.AgentTimeout > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, opts.AgentTimeout)
		defer cancel()
	}
	code, err := o.Agent.Run(agentCtx, AgentParams{
		WorktreeDir:    rec.WorktreePath,
		CapsulePath:    capsule,
		TranscriptPath: transcript,
	})
	if err != nil {
		if agentCtx.Err() != nil {
			return fmt.Errorf("agent timed out after %s", opts.AgentTimeout)
		}
		return err
	}
	if code != 0 {
		return fmt.Errorf("agent exited with code %d", code)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, rec *Record, run *runrecord.Run, runDir string) error {
	sel, err := selectWorktreeChanges(rec.WorktreePath)
	if err != nil {
		return err
	}
	if len(sel.Paths) == 0 {
		return errors.New("agent left no publishable changes")
	}
	for _, p := range sel.SkippedEphemeral {
		o.Log.Debug().Str("path", p).Msg("skipping ephemeral change")
	}
	if err := gitutil.AddPaths(rec.WorktreePath, sel.Paths); err != nil {
		return err
	}
	title := fmt.Sprintf("Fix %s failure against %s", run.Failure.Stage, run.Profile.Model)
	body := o.Redactor.Text(publishBody(run, rec))
	if _, err := gitutil.Commit(rec.WorktreePath, title); err != nil {
		return err
	}
	res, err := o.Publisher.Publish(ctx, rec.WorktreePath, rec.Branch, title, body)
	if err != nil {
		return err
	}
	rec.PRURL = res.PRURL
	return nil
}

func selectWorktreeChanges(dir string) (ChangeSelection, error) {
	out, err := gitutil.StatusPorcelain(dir)
	if err != nil {
		return ChangeSelection{}, err
	}
	return SelectChanges(out), nil
}

func publishBody(run *runrecord.Run, rec *Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated fix for a failing compatibility run.\n\n")
	fmt.Fprintf(&b, "- source run: `%s`\n", run.RunID)
	fmt.Fprintf(&b, "- model: `%s`\n", run.Profile.Model)
	if run.Failure != nil {
		fmt.Fprintf(&b, "- failed stage: `%s`\n", run.Failure.Stage)
		fmt.Fprintf(&b, "- classification: `%s`\n", run.Failure.Classification)
		fmt.Fprintf(&b, "- error: `%s: %s`\n", run.Failure.Type, run.Failure.Message)
	}
	if rec.PatchStat != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", rec.PatchStat)
	}
	return b.String()
}

func leftLocalInstructions(rec *Record) string {
	return fmt.Sprintf(
		"patch left in worktree %s on branch %s; review with `git -C %s diff %s`, then push and open a PR manually",
		rec.WorktreePath, rec.Branch, rec.WorktreePath, rec.BaseSHA)
}

func (o *Orchestrator) fail(rec *Record, runDir, reason string) {
	if rec.State.terminal() {
		return
	}
	o.transition(rec, runDir, StateAgentFailed)
	rec.Outcome = o.Redactor.Text(reason)
	o.saveOrWarn(rec, runDir)
}

func (o *Orchestrator) transition(rec *Record, runDir string, to State) {
	if !canTransition(rec.State, to) {
		// Forward-only lifecycle; an illegal hop indicates a bug here,
		// not in the caller. Record it loudly and keep going.
		o.Log.Error().Str("from", string(rec.State)).Str("to", string(to)).Msg("illegal autofix state transition")
	}
	o.Log.Info().Str("autofix_id", rec.AutofixID).Str("state", string(to)).Msg("autofix state change")
	rec.State = to
}

// saveOrWarn is for paths where the outcome is already decided and a failed
// record write must not mask it. The failure is logged and the flow proceeds.
func (o *Orchestrator) saveOrWarn(rec *Record, runDir string) {
	if err := o.save(rec, runDir); err != nil {
		o.Log.Warn().Err(err).Str("autofix_id", rec.AutofixID).Msg("autofix record write failed")
	}
}

func (o *Orchestrator) save(rec *Record, runDir string) error {
	data, err := o.Redactor.JSON(rec)
	if err != nil {
		return fmt.Errorf("redacting autofix record: %w", err)
	}
	dir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "autofix_"+rec.AutofixID+".json"), data, 0o600)
}

// teardown removes the worktree and branch when the attempt left nothing
// worth keeping. failed=true keeps the worktree for inspection regardless.
func (o *Orchestrator) teardown(rec *Record, opts Options, failed bool) {
	if opts.KeepWorktree || failed || rec.WorktreePath == "" {
		return
	}
	if rec.State == StateLeftLocal || rec.State == StatePatched {
		return
	}
	if err := gitutil.RemoveWorktree(opts.RepoDir, rec.WorktreePath); err != nil {
		o.Log.Warn().Err(err).Str("worktree", rec.WorktreePath).Msg("worktree removal failed")
		return
	}
	if rec.State == StateNoRepro {
		if err := gitutil.DeleteBranch(opts.RepoDir, rec.Branch); err != nil {
			o.Log.Warn().Err(err).Str("branch", rec.Branch).Msg("branch removal failed")
		}
	}
}

func branchName(profileID, id string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, profileID)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "profile"
	}
	short := id
	if len(short) > 10 {
		short = short[len(short)-10:]
	}
	return "llmcheck-autofix-" + slug + "-" + strings.ToLower(short)
}
