package runrecord

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/oruen/llmcheck/internal/redact"
)

// RunPaths locates everything a live run writes.
type RunPaths struct {
	RunDir       string
	RunJSON      string
	LogsDir      string
	LogFile      string
	ArtifactsDir string
}

// Recorder owns one run directory for the lifetime of a run. Every byte it
// persists passes through the redactor first; a redaction failure aborts the
// write rather than risking a leak.
type Recorder struct {
	Paths    RunPaths
	Run      *Run
	redactor *redact.Redactor
	logFile  *os.File
}

// NewRecorder creates the run directory, seeds the run record with all
// stages not_run, and persists the initial run.json. Run IDs are ULIDs so
// concurrent independent writers cannot collide on a directory.
func NewRecorder(runsDir string, profile ProfileSnapshot, env EnvironmentSnapshot, redactor *redact.Redactor) (*Recorder, error) {
	if err := os.MkdirAll(runsDir, 0o700); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	runID := strings.ToLower(ulid.Make().String())
	name := fmt.Sprintf("%s_%s_%s", now.Format("20060102_150405"), slug(profile.ProfileID), runID[:12])

	runDir := filepath.Join(runsDir, name)
	if err := os.Mkdir(runDir, 0o700); err != nil {
		return nil, err
	}
	paths := RunPaths{
		RunDir:       runDir,
		RunJSON:      filepath.Join(runDir, "run.json"),
		LogsDir:      filepath.Join(runDir, "logs"),
		LogFile:      filepath.Join(runDir, "logs", "run.log"),
		ArtifactsDir: filepath.Join(runDir, "artifacts"),
	}
	if err := os.Mkdir(paths.LogsDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.Mkdir(paths.ArtifactsDir, 0o700); err != nil {
		return nil, err
	}

	stages := make(map[string]*StageResult, len(StageOrder))
	stages["A"] = &StageResult{Name: "connectivity + basic completion", Status: StatusNotRun}
	stages["B"] = &StageResult{Name: "end-to-end agent run (tool calling)", Status: StatusNotRun}

	run := &Run{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		CreatedAt:     now.Format(time.RFC3339),
		Profile:       profile,
		Environment:   env,
		Stages:        stages,
		Artifacts:     map[string]ArtifactRef{},
	}

	logFile, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	rec := &Recorder{Paths: paths, Run: run, redactor: redactor, logFile: logFile}
	if err := rec.Save(); err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return rec, nil
}

// TransitionStage moves a stage to a new status, enforcing the forward-only
// lifecycle. Mutations are persisted immediately.
func (r *Recorder) TransitionStage(key string, to StageStatus) error {
	st, ok := r.Run.Stages[key]
	if !ok {
		return fmt.Errorf("unknown stage %q", key)
	}
	if !canTransition(st.Status, to) {
		return fmt.Errorf("stage %s: illegal transition %s -> %s", key, st.Status, to)
	}
	st.Status = to
	return r.Save()
}

// FinishStage records a terminal stage result. The stage must be running
// (or not_run when skipping).
func (r *Recorder) FinishStage(key string, result StageResult) error {
	st, ok := r.Run.Stages[key]
	if !ok {
		return fmt.Errorf("unknown stage %q", key)
	}
	if !canTransition(st.Status, result.Status) {
		return fmt.Errorf("stage %s: illegal transition %s -> %s", key, st.Status, result.Status)
	}
	result.Name = st.Name
	*st = result
	r.Run.RecomputeFailure()
	return r.Save()
}

// SetInputFailure records a run-level failure for input errors that stop the
// run before any stage is attempted (missing profile, unset credential).
func (r *Recorder) SetInputFailure(f FailureSummary) error {
	r.Run.Failure = &f
	return r.Save()
}

// MarkCancelled flags the run as cancelled between stages. Partial results
// already recorded remain valid.
func (r *Recorder) MarkCancelled() error {
	r.Run.Cancelled = true
	return r.Save()
}

// Save persists run.json through the redaction pipeline. A redaction error
// leaves the previous record on disk untouched.
func (r *Recorder) Save() error {
	out, err := r.redactor.JSON(r.Run)
	if err != nil {
		return fmt.Errorf("refusing to persist run record: %w", err)
	}
	return os.WriteFile(r.Paths.RunJSON, out, 0o600)
}

// Log appends a redacted timestamped line to the run transcript.
func (r *Recorder) Log(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	_, _ = r.logFile.WriteString(r.redactor.Text(line))
}

// LogWriter returns a sink for subprocess output that redacts line by line
// into the run transcript.
func (r *Recorder) LogWriter() *redact.Writer {
	return redact.NewWriter(r.logFile, r.redactor)
}

// WriteArtifactJSON persists a redacted JSON evidence file under artifacts/
// and records its digest in the run record.
func (r *Recorder) WriteArtifactJSON(name string, v any) (ArtifactRef, error) {
	out, err := r.redactor.JSON(v)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("refusing to persist artifact %s: %w", name, err)
	}
	return r.writeArtifact(name, out)
}

// WriteArtifactText persists a redacted text evidence file under artifacts/.
func (r *Recorder) WriteArtifactText(name, text string) (ArtifactRef, error) {
	return r.writeArtifact(name, []byte(r.redactor.Text(text)))
}

func (r *Recorder) writeArtifact(name string, redacted []byte) (ArtifactRef, error) {
	path := filepath.Join(r.Paths.ArtifactsDir, name)
	if err := os.WriteFile(path, redacted, 0o600); err != nil {
		return ArtifactRef{}, err
	}
	sum := blake3.Sum256(redacted)
	ref := ArtifactRef{
		Path:   filepath.Join("artifacts", name),
		Bytes:  len(redacted),
		Blake3: fmt.Sprintf("%x", sum),
	}
	r.Run.Artifacts[name] = ref
	return ref, r.Save()
}

// Close flushes and closes the transcript. The run record is immutable from
// here on.
func (r *Recorder) Close() error {
	return r.logFile.Close()
}

func slug(value string) string {
	var b strings.Builder
	for _, ch := range strings.TrimSpace(value) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		case ch == ' ' || ch == '\t':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
