package runrecord

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStageTransitions(t *testing.T) {
	legal := []struct{ from, to StageStatus }{
		{StatusNotRun, StatusRunning},
		{StatusNotRun, StatusSkipped},
		{StatusRunning, StatusPassed},
		{StatusRunning, StatusFailed},
	}
	for _, tc := range legal {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
	illegal := []struct{ from, to StageStatus }{
		{StatusNotRun, StatusPassed},
		{StatusNotRun, StatusFailed},
		{StatusRunning, StatusSkipped},
		{StatusPassed, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusSkipped, StatusRunning},
		{StatusPassed, StatusFailed},
	}
	for _, tc := range illegal {
		if canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestOverallStatus(t *testing.T) {
	mk := func(a, b StageStatus) *Run {
		return &Run{Stages: map[string]*StageResult{
			"A": {Status: a},
			"B": {Status: b},
		}}
	}
	cases := []struct {
		name string
		run  *Run
		want string
	}{
		{"both passed", mk(StatusPassed, StatusPassed), "pass"},
		{"b skipped", mk(StatusPassed, StatusSkipped), "pass"},
		{"a failed", mk(StatusFailed, StatusSkipped), "fail"},
		{"b failed", mk(StatusPassed, StatusFailed), "fail"},
		{"nothing ran", mk(StatusNotRun, StatusNotRun), "partial"},
		{"mid-run", mk(StatusPassed, StatusRunning), "partial"},
		{"both skipped", mk(StatusSkipped, StatusSkipped), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.run.OverallStatus(); got != tc.want {
				t.Fatalf("OverallStatus = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRecomputeFailureUsesFirstFailedStage(t *testing.T) {
	run := &Run{Stages: map[string]*StageResult{
		"A": {Status: StatusFailed, Error: &StageError{Classification: "credential_or_config", Type: "AuthError", Message: "401"}},
		"B": {Status: StatusFailed, Error: &StageError{Classification: "sdk_or_provider_bug", Type: "ToolError", Message: "no tool"}},
	}}
	run.RecomputeFailure()
	if run.Failure == nil {
		t.Fatal("Failure not set")
	}
	if run.Failure.Stage != "A" {
		t.Fatalf("Failure.Stage = %q, want A", run.Failure.Stage)
	}
	if run.Failure.Classification != "credential_or_config" {
		t.Fatalf("Failure.Classification = %q", run.Failure.Classification)
	}

	run.Stages["A"].Status = StatusPassed
	run.Stages["A"].Error = nil
	run.RecomputeFailure()
	if run.Failure == nil || run.Failure.Stage != "B" {
		t.Fatalf("Failure = %+v, want stage B", run.Failure)
	}

	run.Stages["B"].Status = StatusPassed
	run.RecomputeFailure()
	if run.Failure != nil {
		t.Fatalf("Failure = %+v, want nil after all stages pass", run.Failure)
	}
}

func writeRunDir(t *testing.T, runsDir, name, runID string) string {
	t.Helper()
	dir := filepath.Join(runsDir, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	run := Run{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		CreatedAt:     "2026-08-29T10:00:00Z",
		Profile:       ProfileSnapshot{ProfileID: "p", Model: "m", APIKeyEnv: "K"},
		Stages: map[string]*StageResult{
			"A": {Status: StatusPassed},
			"B": {Status: StatusPassed},
		},
	}
	b, err := json.Marshal(run)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.json"), b, 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestReadRunRejectsNewerSchema(t *testing.T) {
	runsDir := t.TempDir()
	dir := writeRunDir(t, runsDir, "20260829_100000_p_aaa", "01aaa")
	b, err := os.ReadFile(filepath.Join(dir, "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	doc["schema_version"] = SchemaVersion + 1
	b, _ = json.Marshal(doc)
	if err := os.WriteFile(filepath.Join(dir, "run.json"), b, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRun(dir); err == nil {
		t.Fatal("ReadRun accepted a record from a newer schema")
	}
}

func TestResolveRunDir(t *testing.T) {
	runsDir := t.TempDir()
	d1 := writeRunDir(t, runsDir, "20260829_100000_alpha_01abc", "01abcdef")
	d2 := writeRunDir(t, runsDir, "20260829_110000_beta_01abd", "01abdzzz")

	got, err := ResolveRunDir(runsDir, "20260829_100000_alpha_01abc")
	if err != nil || got != d1 {
		t.Fatalf("exact name: got %q, %v", got, err)
	}

	got, err = ResolveRunDir(runsDir, "01abdzzz")
	if err != nil || got != d2 {
		t.Fatalf("exact run id: got %q, %v", got, err)
	}

	got, err = ResolveRunDir(runsDir, "20260829_11")
	if err != nil || got != d2 {
		t.Fatalf("unique prefix: got %q, %v", got, err)
	}

	if _, err := ResolveRunDir(runsDir, "01ab"); !errors.Is(err, ErrRunAmbiguous) {
		t.Fatalf("ambiguous prefix: err = %v, want ErrRunAmbiguous", err)
	}
	if _, err := ResolveRunDir(runsDir, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("missing ref: err = %v, want ErrRunNotFound", err)
	}
	if _, err := ResolveRunDir(runsDir, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("empty ref: err = %v, want ErrRunNotFound", err)
	}
}

func TestListRunDirsNewestFirst(t *testing.T) {
	runsDir := t.TempDir()
	writeRunDir(t, runsDir, "20260829_100000_a_x", "1")
	writeRunDir(t, runsDir, "20260829_120000_b_y", "2")
	writeRunDir(t, runsDir, "20260829_110000_c_z", "3")

	dirs, err := ListRunDirs(runsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 3 {
		t.Fatalf("got %d dirs, want 3", len(dirs))
	}
	if filepath.Base(dirs[0]) != "20260829_120000_b_y" {
		t.Fatalf("dirs[0] = %s, want the newest", dirs[0])
	}

	empty, err := ListRunDirs(filepath.Join(runsDir, "does-not-exist"))
	if err != nil || empty != nil {
		t.Fatalf("missing runs dir: got %v, %v", empty, err)
	}
}

func TestSummarizeTolerantOfMissingRecord(t *testing.T) {
	dir := t.TempDir()
	s := Summarize(dir)
	if s.Status != "unknown" {
		t.Fatalf("Status = %q, want unknown for a dir without run.json", s.Status)
	}
	if s.RunDir != dir {
		t.Fatalf("RunDir = %q, want %q", s.RunDir, dir)
	}
}
