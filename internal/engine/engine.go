package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oruen/llmcheck/internal/classify"
	"github.com/oruen/llmcheck/internal/runrecord"
)

// SuiteParams configures one run of the stage sequence for one profile.
type SuiteParams struct {
	Model     string
	BaseURL   string
	APIKeyEnv string
	// WithTools controls whether the tool-calling stage runs after a
	// passing completion stage.
	WithTools     bool
	MaxIterations int
}

// Engine executes stages against a runtime adapter and records everything
// through the run recorder. It never persists unredacted text itself: all
// writes go through the recorder's redaction pipeline.
type Engine struct {
	Adapter       RuntimeAdapter
	Recorder      *runrecord.Recorder
	Log           zerolog.Logger
	StageATimeout time.Duration
	StageBTimeout time.Duration
}

// RunSuite drives stages in canonical order: A, then B when A passed and the
// policy enables tools. A stage failure never raises out of the driver; it is
// captured into the stage result and the run proceeds to recording.
func (e *Engine) RunSuite(ctx context.Context, params SuiteParams) (*runrecord.Run, error) {
	if strings.TrimSpace(params.APIKeyEnv) == "" || os.Getenv(params.APIKeyEnv) == "" {
		// Input error: no stage is attempted, no network signal exists.
		verdict := classify.MissingCredential(params.APIKeyEnv)
		e.Log.Error().Str("api_key_env", params.APIKeyEnv).Msg("credential env var is not set")
		e.Recorder.Log("input error: credential env var %s is not set", params.APIKeyEnv)
		if err := e.Recorder.SetInputFailure(runrecord.FailureSummary{
			Classification: string(verdict.Classification),
			Type:           "ConfigError",
			Message:        fmt.Sprintf("credential env var %s is not set", params.APIKeyEnv),
			Hint:           verdict.Hint,
		}); err != nil {
			return e.Recorder.Run, err
		}
		return e.Recorder.Run, nil
	}

	aPassed, err := e.executeStageA(ctx, params)
	if err != nil {
		return e.Recorder.Run, err
	}

	switch {
	case ctx.Err() != nil:
		// Cooperative cancellation between stages: partial results stand.
		e.Recorder.Log("run cancelled after stage A")
		if err := e.Recorder.MarkCancelled(); err != nil {
			return e.Recorder.Run, err
		}
		if err := e.Recorder.FinishStage("B", runrecord.StageResult{Status: runrecord.StatusSkipped}); err != nil {
			return e.Recorder.Run, err
		}
	case !aPassed:
		e.Recorder.Log("stage B skipped: stage A did not pass")
		if err := e.Recorder.FinishStage("B", runrecord.StageResult{Status: runrecord.StatusSkipped}); err != nil {
			return e.Recorder.Run, err
		}
	case !params.WithTools:
		e.Recorder.Log("stage B skipped by policy")
		if err := e.Recorder.FinishStage("B", runrecord.StageResult{Status: runrecord.StatusSkipped}); err != nil {
			return e.Recorder.Run, err
		}
	default:
		if err := e.executeStageB(ctx, params); err != nil {
			return e.Recorder.Run, err
		}
	}

	return e.Recorder.Run, nil
}

func (e *Engine) executeStageA(ctx context.Context, params SuiteParams) (bool, error) {
	if err := e.Recorder.TransitionStage("A", runrecord.StatusRunning); err != nil {
		return false, err
	}
	e.Log.Info().Str("stage", "A").Str("model", params.Model).Msg("running connectivity probe")
	e.Recorder.Log("stage A: basic completion probe starting (model=%s)", params.Model)

	probeParams := ProbeParams{
		Model:     params.Model,
		BaseURL:   params.BaseURL,
		APIKeyEnv: params.APIKeyEnv,
		Prompt:    CompletionPrompt(),
		TimeoutS:  int(e.StageATimeout.Seconds()),
	}

	sctx, cancel := context.WithTimeout(ctx, e.StageATimeout)
	defer cancel()

	started := time.Now()
	result, invErr := e.Adapter.BasicCompletion(sctx, probeParams)
	duration := time.Since(started)

	if invErr != nil {
		e.writeRawInvocationArtifact("a", invErr)
		return false, e.failStage("A", duration, invocationStageError(invErr, "A"))
	}

	if _, err := e.Recorder.WriteArtifactJSON("stage_a_result.json", result); err != nil {
		return false, err
	}

	if !result.OK || strings.TrimSpace(result.ResponsePreview) == "" {
		stageErr := probeStageError(result, "A", "completion returned no well-formed content")
		return false, e.failStage("A", duration, stageErr)
	}

	e.Recorder.Log("stage A passed in %s", duration.Round(time.Millisecond))
	return true, e.Recorder.FinishStage("A", runrecord.StageResult{
		Status:     runrecord.StatusPassed,
		DurationMS: duration.Milliseconds(),
		Result:     "completion returned",
	})
}

func (e *Engine) executeStageB(ctx context.Context, params SuiteParams) error {
	if err := e.Recorder.TransitionStage("B", runrecord.StatusRunning); err != nil {
		return err
	}
	e.Log.Info().Str("stage", "B").Msg("running tool-calling probe")
	e.Recorder.Log("stage B: tool-calling probe starting")

	workspace := e.Recorder.Paths.ArtifactsDir + "/stage_b_workspace"
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return err
	}

	probeParams := ProbeParams{
		Model:         params.Model,
		BaseURL:       params.BaseURL,
		APIKeyEnv:     params.APIKeyEnv,
		Prompt:        ToolRunPrompt(),
		TimeoutS:      int(e.StageBTimeout.Seconds()),
		MaxIterations: params.MaxIterations,
		WorkspaceDir:  workspace,
		Marker:        Marker,
	}

	sctx, cancel := context.WithTimeout(ctx, e.StageBTimeout)
	defer cancel()

	started := time.Now()
	result, invErr := e.Adapter.AgentToolRun(sctx, probeParams)
	duration := time.Since(started)

	if invErr != nil {
		e.writeRawInvocationArtifact("b", invErr)
		return e.failStage("B", duration, invocationStageError(invErr, "B"))
	}

	if _, err := e.Recorder.WriteArtifactJSON("stage_b_result.json", result); err != nil {
		return err
	}

	if reason := toolRunFailureReason(result); reason != "" {
		stageErr := probeStageError(result, "B", reason)
		return e.failStage("B", duration, stageErr)
	}

	e.Recorder.Log("stage B passed in %s", duration.Round(time.Millisecond))
	return e.Recorder.FinishStage("B", runrecord.StageResult{
		Status:     runrecord.StatusPassed,
		DurationMS: duration.Milliseconds(),
		Result:     "tool call observed and echoed",
	})
}

// toolRunFailureReason returns the discriminating reason for a tool-run
// probe that did not fully succeed, or "" when it passed.
func toolRunFailureReason(result ProbeResult) string {
	switch {
	case result.OK && result.ToolInvoked && !result.ToolErrored &&
		strings.Contains(result.FinalAnswerPreview, Marker):
		return ""
	case !result.ToolInvoked:
		return "no tool invocation observed"
	case result.ToolErrored:
		return "tool invocation errored"
	case !strings.Contains(result.FinalAnswerPreview, Marker):
		return "final answer missing marker"
	default:
		return "agent run did not complete"
	}
}

func (e *Engine) failStage(key string, duration time.Duration, stageErr runrecord.StageError) error {
	e.Log.Warn().
		Str("stage", key).
		Str("classification", stageErr.Classification).
		Str("error_type", stageErr.Type).
		Msg("stage failed")
	e.Recorder.Log("stage %s failed: %s: %s", key, stageErr.Type, stageErr.Message)
	return e.Recorder.FinishStage(key, runrecord.StageResult{
		Status:     runrecord.StatusFailed,
		DurationMS: duration.Milliseconds(),
		Error:      &stageErr,
	})
}

// writeRawInvocationArtifact captures the raw subprocess output from a
// malformed-result failure for diagnosis. The recorder redacts it before
// anything reaches disk; a failed write is logged, not fatal.
func (e *Engine) writeRawInvocationArtifact(stage string, invErr error) {
	ie, ok := invErr.(*InvocationError)
	if !ok {
		return
	}
	_, err := e.Recorder.WriteArtifactJSON("stage_"+stage+"_raw_output.json", map[string]any{
		"kind":      string(ie.Kind),
		"message":   ie.Message,
		"stdout":    ie.Stdout,
		"stderr":    ie.Stderr,
		"exit_code": ie.ExitCode,
	})
	if err != nil {
		e.Log.Error().Err(err).Str("stage", stage).Msg("could not persist raw probe output")
	}
}

// invocationStageError converts an infrastructure failure of the probe
// invocation into a recorded stage error. Raw captured output is preserved
// (through redaction) for diagnosis.
func invocationStageError(invErr error, stage string) runrecord.StageError {
	ie, ok := invErr.(*InvocationError)
	if !ok {
		verdict := classify.Classify(classify.Signal{Type: "InfrastructureError", Message: invErr.Error(), Stage: stage})
		return runrecord.StageError{
			Classification: string(verdict.Classification),
			Type:           "InfrastructureError",
			Message:        invErr.Error(),
			Hint:           verdict.Hint,
		}
	}
	verdict := classify.Classify(classify.Signal{Type: string(ie.Kind), Message: ie.Message, Stage: stage})
	return runrecord.StageError{
		Classification: string(verdict.Classification),
		Type:           "InfrastructureError",
		Message:        ie.Message,
		Hint:           verdict.Hint,
	}
}

// probeStageError converts an in-band probe failure into a recorded stage
// error, classifying from the probe's own error signal when present.
func probeStageError(result ProbeResult, stage, fallbackReason string) runrecord.StageError {
	errType := "ProbeError"
	message := fallbackReason
	status := 0
	if result.Error != nil {
		if result.Error.Type != "" {
			errType = result.Error.Type
		}
		if result.Error.Message != "" {
			message = result.Error.Message
		}
		status = result.Error.Status
	}
	verdict := classify.Classify(classify.Signal{Status: status, Type: errType, Message: message, Stage: stage})
	return runrecord.StageError{
		Classification: string(verdict.Classification),
		Type:           errType,
		Message:        message,
		Hint:           verdict.Hint,
		Status:         status,
	}
}
