package engine

import (
	"os"
	"strings"
)

// Marker is the deterministic token the tool-calling probe must echo in its
// final answer.
const Marker = "TOOL_OK"

const (
	defaultCompletionPrompt = "Say hello in one word."
	defaultToolRunPrompt    = "Use the terminal tool to run: `echo " + Marker + "`. " +
		"Then reply with exactly: " + Marker + "."
)

// CompletionPrompt returns the stage A prompt, overridable via
// LLMCHECK_STAGE_A_PROMPT.
func CompletionPrompt() string {
	if v := strings.TrimSpace(os.Getenv("LLMCHECK_STAGE_A_PROMPT")); v != "" {
		return v
	}
	return defaultCompletionPrompt
}

// ToolRunPrompt returns the stage B prompt, overridable via
// LLMCHECK_STAGE_B_PROMPT.
func ToolRunPrompt() string {
	if v := strings.TrimSpace(os.Getenv("LLMCHECK_STAGE_B_PROMPT")); v != "" {
		return v
	}
	return defaultToolRunPrompt
}
