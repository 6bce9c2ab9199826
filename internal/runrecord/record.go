// Package runrecord persists compatibility runs: one directory per run with
// a run.json record, a redacted log transcript, and redacted evidence
// artifacts. Records are append-only while a run is live and immutable once
// the driver exits.
package runrecord

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SchemaVersion tags the run.json format. Readers dispatch on it; old
// records are never rewritten in place.
const SchemaVersion = 1

// StageOrder is the canonical stage sequence. Stage keys recorded for a run
// are always a strict prefix of this ordering.
var StageOrder = []string{"A", "B"}

type StageStatus string

const (
	StatusNotRun  StageStatus = "not_run"
	StatusRunning StageStatus = "running"
	StatusPassed  StageStatus = "passed"
	StatusFailed  StageStatus = "failed"
	StatusSkipped StageStatus = "skipped"
)

// canTransition encodes the only legal stage moves:
// not_run -> running -> {passed, failed}, plus not_run -> skipped.
func canTransition(from, to StageStatus) bool {
	switch from {
	case StatusNotRun:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusPassed || to == StatusFailed
	default:
		return false
	}
}

// StageError is the structured failure attached to a failed stage.
type StageError struct {
	Classification string `json:"classification"`
	Type           string `json:"type"`
	Message        string `json:"message"`
	Hint           string `json:"hint,omitempty"`
	Status         int    `json:"status,omitempty"`
}

type StageResult struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	DurationMS int64       `json:"duration_ms"`
	Result     string      `json:"result,omitempty"`
	Error      *StageError `json:"error,omitempty"`
}

// ProfileSnapshot is the redacted profile view embedded in a run record.
// It carries the env var name, never the secret value.
type ProfileSnapshot struct {
	ProfileID string   `json:"profile_id"`
	Model     string   `json:"model"`
	BaseURL   string   `json:"base_url,omitempty"`
	APIKeyEnv string   `json:"api_key_env"`
	RedactEnv []string `json:"redact_env,omitempty"`
}

// EnvironmentSnapshot records where and against what revision the run
// executed.
type EnvironmentSnapshot struct {
	RuntimePath  string `json:"runtime_path"`
	RuntimeSHA   string `json:"runtime_sha,omitempty"`
	RuntimeDirty bool   `json:"runtime_dirty"`
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	ToolVersion  string `json:"tool_version"`
}

// ArtifactRef records a persisted evidence file and the digest of its
// redacted bytes.
type ArtifactRef struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Blake3 string `json:"blake3"`
}

// FailureSummary is the run-level classification derived from the first
// failed stage, kept for operator visibility and autofix gating.
type FailureSummary struct {
	Classification string `json:"classification"`
	Stage          string `json:"stage"`
	Type           string `json:"type,omitempty"`
	Message        string `json:"message,omitempty"`
	Hint           string `json:"hint,omitempty"`
}

type Run struct {
	SchemaVersion int                     `json:"schema_version"`
	RunID         string                  `json:"run_id"`
	CreatedAt     string                  `json:"created_at"`
	Profile       ProfileSnapshot         `json:"profile"`
	Environment   EnvironmentSnapshot     `json:"environment"`
	Stages        map[string]*StageResult `json:"stages"`
	Artifacts     map[string]ArtifactRef  `json:"artifacts,omitempty"`
	Failure       *FailureSummary         `json:"failure,omitempty"`
	Cancelled     bool                    `json:"cancelled,omitempty"`
}

// OverallStatus collapses stage statuses into one run status:
// fail beats everything, then partial (unstarted stages remain), then pass.
func (r *Run) OverallStatus() string {
	anyNotRun := false
	anyPassed := false
	for _, key := range StageOrder {
		st, ok := r.Stages[key]
		if !ok {
			continue
		}
		switch st.Status {
		case StatusFailed:
			return "fail"
		case StatusNotRun, StatusRunning:
			anyNotRun = true
		case StatusPassed:
			anyPassed = true
		}
	}
	if anyNotRun {
		return "partial"
	}
	if anyPassed {
		return "pass"
	}
	return "unknown"
}

// RecomputeFailure refreshes the run-level failure summary from the first
// failed stage in canonical order.
func (r *Run) RecomputeFailure() {
	for _, key := range StageOrder {
		st, ok := r.Stages[key]
		if !ok || st.Status != StatusFailed {
			continue
		}
		summary := &FailureSummary{Stage: key}
		if st.Error != nil {
			summary.Classification = st.Error.Classification
			summary.Type = st.Error.Type
			summary.Message = st.Error.Message
			summary.Hint = st.Error.Hint
		}
		r.Failure = summary
		return
	}
	r.Failure = nil
}

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunAmbiguous = errors.New("run reference is ambiguous")
)

// ReadRun loads and version-checks a run.json.
func ReadRun(runDir string) (*Run, error) {
	b, err := os.ReadFile(filepath.Join(runDir, "run.json"))
	if err != nil {
		return nil, err
	}
	var versionOnly struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(b, &versionOnly); err != nil {
		return nil, fmt.Errorf("decode run record in %s: %w", runDir, err)
	}
	if versionOnly.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("run record in %s has schema_version %d; this build reads up to %d",
			runDir, versionOnly.SchemaVersion, SchemaVersion)
	}
	var run Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("decode run record in %s: %w", runDir, err)
	}
	return &run, nil
}

// ListRunDirs returns run directories under runsDir, newest first by name
// (directory names start with a UTC timestamp).
func ListRunDirs(runsDir string) ([]string, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(runsDir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	return dirs, nil
}

// Summary is the compact view of a run for listings.
type Summary struct {
	RunID         string            `json:"run_id"`
	CreatedAt     string            `json:"created_at"`
	RunDir        string            `json:"run_dir"`
	ProfileID     string            `json:"profile_id"`
	StageStatuses map[string]string `json:"stages"`
	Status        string            `json:"status"`
}

// Summarize reads a run directory into a Summary. A missing or malformed
// record still yields a summary with status "unknown" so listings do not
// break on partial runs.
func Summarize(runDir string) Summary {
	s := Summary{
		RunDir:        runDir,
		StageStatuses: map[string]string{},
		Status:        "unknown",
	}
	run, err := ReadRun(runDir)
	if err != nil {
		return s
	}
	s.RunID = run.RunID
	s.CreatedAt = run.CreatedAt
	s.ProfileID = run.Profile.ProfileID
	for key, st := range run.Stages {
		s.StageStatuses[key] = string(st.Status)
	}
	s.Status = run.OverallStatus()
	return s
}

// ResolveRunDir resolves a run reference (run id, directory name, or a
// unique prefix of either) to exactly one run directory.
func ResolveRunDir(runsDir, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrRunNotFound)
	}
	dirs, err := ListRunDirs(runsDir)
	if err != nil {
		return "", err
	}

	var candidates []string
	var exactName, exactID []string
	for _, dir := range dirs {
		name := filepath.Base(dir)
		run, _ := ReadRun(dir)
		runID := ""
		if run != nil {
			runID = run.RunID
		}
		switch {
		case name == ref:
			exactName = append(exactName, dir)
		case runID != "" && runID == ref:
			exactID = append(exactID, dir)
		case strings.HasPrefix(name, ref):
			candidates = append(candidates, dir)
		case runID != "" && strings.HasPrefix(runID, ref):
			candidates = append(candidates, dir)
		}
	}
	if len(exactName) == 1 {
		return exactName[0], nil
	}
	if len(exactName) == 0 && len(exactID) == 1 {
		return exactID[0], nil
	}
	candidates = append(append(exactName, exactID...), candidates...)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, ref)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	names := make([]string, 0, 5)
	for i, c := range candidates {
		if i == 5 {
			break
		}
		names = append(names, filepath.Base(c))
	}
	return "", fmt.Errorf("%w: %s (matches: %s)", ErrRunAmbiguous, ref, strings.Join(names, ", "))
}
