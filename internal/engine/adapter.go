// Package engine runs compatibility stages against a target agent runtime
// through an isolated subprocess boundary, enforces per-stage timeouts, and
// records redacted evidence of what happened.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oruen/llmcheck/internal/procutil"
)

// ProbeParams carries one probe invocation's connection and behavior
// parameters. The credential travels as an env var name only; the harness
// resolves it inside the subprocess.
type ProbeParams struct {
	Model         string `json:"model"`
	BaseURL       string `json:"base_url,omitempty"`
	APIKeyEnv     string `json:"api_key_env"`
	Prompt        string `json:"prompt"`
	TimeoutS      int    `json:"timeout_s"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	WorkspaceDir  string `json:"workspace_dir,omitempty"`
	Marker        string `json:"marker,omitempty"`
}

// ProbeErrorDoc is the structured error a probe reports when the call failed
// inside the runtime.
type ProbeErrorDoc struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// ProbeResult is the structured document a probe writes to stdout.
type ProbeResult struct {
	OK                 bool           `json:"ok"`
	DurationMS         int64          `json:"duration_ms,omitempty"`
	ResponsePreview    string         `json:"response_preview,omitempty"`
	ToolInvoked        bool           `json:"tool_invoked,omitempty"`
	ToolErrored        bool           `json:"tool_errored,omitempty"`
	ToolCommandPreview string         `json:"tool_command_preview,omitempty"`
	ToolOutputPreview  string         `json:"tool_output_preview,omitempty"`
	FinalAnswerPreview string         `json:"final_answer_preview,omitempty"`
	Error              *ProbeErrorDoc `json:"error,omitempty"`
}

// RuntimeAdapter is the narrow capability interface toward the target
// runtime. The production implementation shells out to the runtime's probe
// harness; tests supply fakes.
type RuntimeAdapter interface {
	BasicCompletion(ctx context.Context, params ProbeParams) (ProbeResult, error)
	AgentToolRun(ctx context.Context, params ProbeParams) (ProbeResult, error)
}

// InvocationErrorKind distinguishes infrastructure failures of the probe
// invocation itself from provider errors the probe reports in-band.
type InvocationErrorKind string

const (
	KindLaunchFailed InvocationErrorKind = "launch_failed"
	KindTimeout      InvocationErrorKind = "timeout"
	KindCancelled    InvocationErrorKind = "cancelled"
	KindCrashed      InvocationErrorKind = "crashed"
	KindNoResult     InvocationErrorKind = "no_structured_output"
)

// InvocationError is returned when the probe subprocess did not yield a
// well-formed result document. Stdout/Stderr hold the captured raw output
// for diagnosis; callers must pass them through redaction before persisting.
type InvocationError struct {
	Kind     InvocationErrorKind
	Message  string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("probe %s: %s", e.Kind, e.Message)
}

// SubprocessAdapter launches the runtime's probe harness as a subprocess in
// its own process group, with a hard wall-clock timeout enforced here rather
// than trusted to the harness.
type SubprocessAdapter struct {
	// RuntimePath is the runtime checkout the harness runs in.
	RuntimePath string
	// Harness is the command prefix; mode and config path are appended.
	Harness []string
	// ScratchDir receives probe config files. Config files contain only
	// non-secret parameters and are safe to persist.
	ScratchDir string
}

func (a *SubprocessAdapter) BasicCompletion(ctx context.Context, params ProbeParams) (ProbeResult, error) {
	return a.invoke(ctx, "completion", params)
}

func (a *SubprocessAdapter) AgentToolRun(ctx context.Context, params ProbeParams) (ProbeResult, error) {
	return a.invoke(ctx, "toolrun", params)
}

func (a *SubprocessAdapter) invoke(ctx context.Context, mode string, params ProbeParams) (ProbeResult, error) {
	if len(a.Harness) == 0 {
		return ProbeResult{}, &InvocationError{Kind: KindLaunchFailed, Message: "no harness command configured"}
	}

	configPath := filepath.Join(a.ScratchDir, fmt.Sprintf("probe_%s_config.json", mode))
	cfg, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return ProbeResult{}, &InvocationError{Kind: KindLaunchFailed, Message: "encode probe config: " + err.Error()}
	}
	if err := os.WriteFile(configPath, append(cfg, '\n'), 0o600); err != nil {
		return ProbeResult{}, &InvocationError{Kind: KindLaunchFailed, Message: "write probe config: " + err.Error()}
	}

	args := append(append([]string{}, a.Harness[1:]...), "--probe", mode, "--config", configPath)
	cmd := exec.CommandContext(ctx, a.Harness[0], args...)
	cmd.Dir = a.RuntimePath
	// Credentials reach the probe only through inherited process-local
	// environment, never argv.
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return procutil.KillGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 3 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	outText := stdout.String()
	errText := stderr.String()

	if ctx.Err() != nil {
		if cmd.Process != nil {
			procutil.GroupGone(cmd.Process.Pid, 2*time.Second)
		}
		// An operator interrupt is not a timeout; the recorded evidence
		// must not suggest the endpoint was slow.
		kind := KindTimeout
		message := "probe did not complete within the stage timeout"
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = KindCancelled
			message = "probe cancelled before completion"
		}
		return ProbeResult{}, &InvocationError{
			Kind:    kind,
			Message: message,
			Stdout:  outText,
			Stderr:  errText,
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return ProbeResult{}, &InvocationError{
				Kind:    KindLaunchFailed,
				Message: runErr.Error(),
				Stderr:  errText,
			}
		}
		// A nonzero exit with a parseable result document is still a
		// result; the probe reports its own error in-band.
	}

	result, perr := parseProbeResult(outText)
	if perr != nil {
		exitCode := 0
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		kind := KindNoResult
		if runErr != nil && strings.TrimSpace(outText) == "" {
			kind = KindCrashed
		}
		return ProbeResult{}, &InvocationError{
			Kind:     kind,
			Message:  "probe did not return a well-formed result: " + perr.Error(),
			Stdout:   outText,
			Stderr:   errText,
			ExitCode: exitCode,
		}
	}

	if runErr != nil && result.OK {
		// Contradictory probe: exited nonzero but claimed success.
		result.OK = false
		if result.Error == nil {
			result.Error = &ProbeErrorDoc{
				Type:    "ProbeError",
				Message: fmt.Sprintf("probe exited with status %d", cmd.ProcessState.ExitCode()),
			}
		}
	}
	return result, nil
}

// parseProbeResult decodes and schema-validates the last JSON document on
// stdout. Harnesses may emit log noise before the result line.
func parseProbeResult(stdout string) (ProbeResult, error) {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return ProbeResult{}, fmt.Errorf("empty stdout")
	}
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		if err := validateProbeResult([]byte(line)); err != nil {
			return ProbeResult{}, err
		}
		var result ProbeResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return ProbeResult{}, err
		}
		return result, nil
	}
	return ProbeResult{}, fmt.Errorf("no JSON document on stdout")
}
