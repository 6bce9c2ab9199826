// Package config loads llmcheck configuration from a YAML file overridden by
// LLMCHECK_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// ToolStagePolicy decides whether the tool-calling stage runs.
type ToolStagePolicy string

const (
	// ToolStageAlways runs stage B whenever stage A passed.
	ToolStageAlways ToolStagePolicy = "always"
	// ToolStageAuto runs stage B only for profiles that declare tool support.
	ToolStageAuto ToolStagePolicy = "auto"
	// ToolStageNever skips stage B.
	ToolStageNever ToolStagePolicy = "never"
)

type RuntimeConfig struct {
	// Path is the target agent runtime checkout the probes run against.
	Path string `koanf:"path"`
	// Harness is the command prefix that launches the runtime's probe
	// harness inside Path. Probe mode and config path are appended.
	Harness []string `koanf:"harness"`
}

type StagesConfig struct {
	ATimeoutMS int             `koanf:"a_timeout_ms"`
	BTimeoutMS int             `koanf:"b_timeout_ms"`
	BMaxIters  int             `koanf:"b_max_iterations"`
	ToolStage  ToolStagePolicy `koanf:"tool_stage"`
}

type AutofixConfig struct {
	WorktreesDir   string `koanf:"worktrees_dir"`
	AgentTimeoutMS int    `koanf:"agent_timeout_ms"`
	KeepWorktree   bool   `koanf:"keep_worktree"`
	AgentSpecPath  string `koanf:"agent_spec_path"`
}

type PublishConfig struct {
	// UpstreamRepo is "owner/name" of the repository PRs are opened against.
	UpstreamRepo string `koanf:"upstream_repo"`
	BaseBranch   string `koanf:"base_branch"`
	Remote       string `koanf:"remote"`
	// TokenEnv names the env var holding the publish token. The value is
	// resolved at publish time and never stored.
	TokenEnv string `koanf:"token_env"`
	Draft    bool   `koanf:"draft"`
}

type Config struct {
	RunsDir     string        `koanf:"runs_dir"`
	ProfilesDir string        `koanf:"profiles_dir"`
	Runtime     RuntimeConfig `koanf:"runtime"`
	Stages      StagesConfig  `koanf:"stages"`
	Autofix     AutofixConfig `koanf:"autofix"`
	Publish     PublishConfig `koanf:"publish"`
}

func (c *Config) StageATimeout() time.Duration {
	return time.Duration(c.Stages.ATimeoutMS) * time.Millisecond
}

func (c *Config) StageBTimeout() time.Duration {
	return time.Duration(c.Stages.BTimeoutMS) * time.Millisecond
}

func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Autofix.AgentTimeoutMS) * time.Millisecond
}

// DefaultPath returns ~/.config/llmcheck/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "llmcheck", "config.yaml"), nil
}

func defaults(home string) map[string]any {
	return map[string]any{
		"runs_dir":                 filepath.Join(home, ".llmcheck", "runs"),
		"profiles_dir":             filepath.Join(home, ".llmcheck", "profiles"),
		"runtime.path":             filepath.Join(home, "repos", "agent-runtime"),
		"runtime.harness":          []string{"uv", "run", "python", "-m", "probe_harness"},
		"stages.a_timeout_ms":      60000,
		"stages.b_timeout_ms":      180000,
		"stages.b_max_iterations":  10,
		"stages.tool_stage":        string(ToolStageAlways),
		"autofix.worktrees_dir":    filepath.Join(home, ".llmcheck", "worktrees"),
		"autofix.agent_timeout_ms": 1800000,
		"autofix.keep_worktree":    false,
		"publish.base_branch":      "main",
		"publish.remote":           "origin",
		"publish.token_env":        "GITHUB_TOKEN",
	}
}

// Load reads configPath (default path when empty), then overlays environment
// variables. Precedence: env > file > defaults. Env keys map underscores to
// nesting after the first segment: LLMCHECK_RUNTIME_PATH -> runtime.path.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	k := koanf.New(".")
	for key, val := range defaults(home) {
		if err := k.Set(key, val); err != nil {
			return nil, err
		}
	}

	if configPath == "" {
		configPath, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	if b, err := os.ReadFile(configPath); err == nil {
		if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	if err := k.Load(env.Provider("LLMCHECK_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "LLMCHECK_"))
		return envKeyToPath(key)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyToPath maps flat env keys onto the nested config schema. Top-level
// keys keep their underscores; section keys split on the section prefix.
func envKeyToPath(key string) string {
	for _, section := range []string{"runtime", "stages", "autofix", "publish"} {
		prefix := section + "_"
		if strings.HasPrefix(key, prefix) {
			return section + "." + strings.TrimPrefix(key, prefix)
		}
	}
	return key
}

func (c *Config) validate() error {
	switch c.Stages.ToolStage {
	case ToolStageAlways, ToolStageAuto, ToolStageNever:
	default:
		return fmt.Errorf("stages.tool_stage: invalid value %q (want always, auto, or never)", c.Stages.ToolStage)
	}
	if c.Stages.ATimeoutMS <= 0 || c.Stages.BTimeoutMS <= 0 {
		return fmt.Errorf("stage timeouts must be positive")
	}
	if len(c.Runtime.Harness) == 0 {
		return fmt.Errorf("runtime.harness must not be empty")
	}
	return nil
}
