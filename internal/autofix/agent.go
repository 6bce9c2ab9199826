package autofix

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/oruen/llmcheck/internal/procutil"
	"github.com/oruen/llmcheck/internal/redact"
)

// CommandAgent launches a configured repair agent as a subprocess in its own
// process group. Stdout and stderr stream through redaction into the
// transcript file; nothing unredacted touches disk.
type CommandAgent struct {
	Spec     AgentSpec
	Redactor *redact.Redactor
}

func (a *CommandAgent) Name() string { return a.Spec.Name }

func (a *CommandAgent) Run(ctx context.Context, p AgentParams) (int, error) {
	argv := a.Spec.Render(p.CapsulePath)
	if len(argv) == 0 {
		return -1, errors.New("agent spec has an empty command")
	}

	transcript, err := os.OpenFile(p.TranscriptPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return -1, err
	}
	defer transcript.Close()
	w := redact.NewWriter(transcript, a.Redactor)
	defer w.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.WorktreeDir
	cmd.Env = os.Environ()
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return procutil.KillGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	if ctx.Err() != nil {
		if cmd.Process != nil {
			procutil.GroupGone(cmd.Process.Pid, 3*time.Second)
		}
		return -1, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, runErr
	}
	return 0, nil
}
