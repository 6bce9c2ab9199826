package autofix

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentSpec describes how to launch a repair agent inside a worktree. The
// command runs with the worktree as its working directory; "{capsule}" in an
// argument is replaced with the path of the redacted context capsule.
type AgentSpec struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
}

type agentSpecFile struct {
	Version int         `yaml:"version"`
	Agents  []AgentSpec `yaml:"agents"`
}

// DefaultAgentSpec launches a headless repair agent and points it at the
// context capsule for instructions.
func DefaultAgentSpec() AgentSpec {
	return AgentSpec{
		Name: "openhands",
		Command: []string{
			"openhands", "--headless", "--always-approve",
			"-t", "Read the local context file and follow its instructions: {capsule}",
		},
	}
}

// LoadAgentSpec reads an agents.yaml and returns the named agent, or the
// first entry when name is empty. An empty path yields the default spec.
func LoadAgentSpec(path, name string) (AgentSpec, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultAgentSpec(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return AgentSpec{}, fmt.Errorf("read agent spec %s: %w", path, err)
	}
	var file agentSpecFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return AgentSpec{}, fmt.Errorf("parse agent spec %s: %w", path, err)
	}
	if len(file.Agents) == 0 {
		return AgentSpec{}, fmt.Errorf("agent spec %s: no agents defined", path)
	}
	if name == "" {
		return file.Agents[0], nil
	}
	for _, a := range file.Agents {
		if a.Name == name {
			return a, nil
		}
	}
	return AgentSpec{}, fmt.Errorf("agent spec %s: no agent named %q", path, name)
}

// Render substitutes the capsule path into the command.
func (s AgentSpec) Render(capsulePath string) []string {
	out := make([]string, len(s.Command))
	for i, arg := range s.Command {
		out[i] = strings.ReplaceAll(arg, "{capsule}", capsulePath)
	}
	return out
}
