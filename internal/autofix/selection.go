package autofix

import (
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ephemeralGlobs matches build/cache paths a repair agent leaves behind that
// must never end up in the published patch.
var ephemeralGlobs = []string{
	"**/.venv", "**/.venv/**",
	"**/venv", "**/venv/**",
	"**/__pycache__", "**/__pycache__/**",
	"**/*.pyc",
	"**/.pytest_cache", "**/.pytest_cache/**",
	"**/.mypy_cache", "**/.mypy_cache/**",
	"**/.ruff_cache", "**/.ruff_cache/**",
	"**/.cache", "**/.cache/**",
	"**/node_modules", "**/node_modules/**",
	"**/.DS_Store",
	"**/target/debug/**",
	"**/target/release/**",
}

// ChangeSelection splits a worktree's changed paths into the set to commit
// and the ephemeral leftovers to skip.
type ChangeSelection struct {
	Paths            []string `json:"paths"`
	SkippedEphemeral []string `json:"skipped_ephemeral"`
}

var statusRename = regexp.MustCompile(`^..\s+(.+?)\s+->\s+(.+)$`)

// SelectChanges parses `git status --porcelain=v1` output and filters
// ephemeral paths out via the exclude globs.
func SelectChanges(porcelain string) ChangeSelection {
	seen := map[string]struct{}{}
	for _, line := range strings.Split(porcelain, "\n") {
		for _, p := range parsePorcelainLine(strings.TrimRight(line, "\n")) {
			seen[strings.TrimPrefix(p, "./")] = struct{}{}
		}
	}

	sel := ChangeSelection{Paths: []string{}, SkippedEphemeral: []string{}}
	for p := range seen {
		if p == "" {
			continue
		}
		if isEphemeral(p) {
			sel.SkippedEphemeral = append(sel.SkippedEphemeral, p)
		} else {
			sel.Paths = append(sel.Paths, p)
		}
	}
	sort.Strings(sel.Paths)
	sort.Strings(sel.SkippedEphemeral)
	return sel
}

func isEphemeral(path string) bool {
	norm := strings.TrimSuffix(strings.ReplaceAll(path, "\\", "/"), "/")
	for _, glob := range ephemeralGlobs {
		if ok, _ := doublestar.Match(glob, norm); ok {
			return true
		}
	}
	return false
}

func parsePorcelainLine(line string) []string {
	if len(line) < 4 {
		return nil
	}
	if m := statusRename.FindStringSubmatch(line); m != nil {
		old := unquotePorcelain(m[1])
		renamed := unquotePorcelain(m[2])
		var out []string
		if old != "" {
			out = append(out, old)
		}
		if renamed != "" {
			out = append(out, renamed)
		}
		return out
	}
	if p := unquotePorcelain(line[3:]); p != "" {
		return []string{p}
	}
	return nil
}

// unquotePorcelain strips the quoting porcelain v1 applies to unusual
// filenames. Escape sequences inside the quotes are left as-is.
func unquotePorcelain(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"`)
}
