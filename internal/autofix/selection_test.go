package autofix

import (
	"reflect"
	"testing"
)

func TestSelectChangesFiltersEphemeral(t *testing.T) {
	porcelain := "" +
		" M sdk/client.py\n" +
		"?? sdk/__pycache__/client.cpython-312.pyc\n" +
		"?? .venv/\n" +
		"?? node_modules/\n" +
		"A  tests/test_client.py\n" +
		"?? .pytest_cache/\n" +
		"?? notes.md\n"

	sel := SelectChanges(porcelain)
	wantPaths := []string{"notes.md", "sdk/client.py", "tests/test_client.py"}
	if !reflect.DeepEqual(sel.Paths, wantPaths) {
		t.Fatalf("Paths = %v, want %v", sel.Paths, wantPaths)
	}
	wantSkipped := []string{".pytest_cache/", ".venv/", "node_modules/", "sdk/__pycache__/client.cpython-312.pyc"}
	if !reflect.DeepEqual(sel.SkippedEphemeral, wantSkipped) {
		t.Fatalf("SkippedEphemeral = %v, want %v", sel.SkippedEphemeral, wantSkipped)
	}
}

func TestSelectChangesRename(t *testing.T) {
	porcelain := "R  old_name.py -> new_name.py\n"
	sel := SelectChanges(porcelain)
	want := []string{"new_name.py", "old_name.py"}
	if !reflect.DeepEqual(sel.Paths, want) {
		t.Fatalf("Paths = %v, want %v", sel.Paths, want)
	}
}

func TestSelectChangesEmptyAndNoise(t *testing.T) {
	sel := SelectChanges("")
	if len(sel.Paths) != 0 || len(sel.SkippedEphemeral) != 0 {
		t.Fatalf("empty porcelain yielded %+v", sel)
	}
	sel = SelectChanges("\n\n  \n")
	if len(sel.Paths) != 0 {
		t.Fatalf("noise porcelain yielded %+v", sel)
	}
}

func TestSelectChangesQuotedPath(t *testing.T) {
	sel := SelectChanges("?? \"spaced name.txt\"\n")
	want := []string{"spaced name.txt"}
	if !reflect.DeepEqual(sel.Paths, want) {
		t.Fatalf("Paths = %v, want %v", sel.Paths, want)
	}
}

func TestIsEphemeral(t *testing.T) {
	ephemeral := []string{
		".venv/",
		"deep/nested/.venv/lib/python3.12/site-packages/foo.py",
		"pkg/__pycache__/mod.cpython-312.pyc",
		"a/b/c.pyc",
		"node_modules/left-pad/index.js",
		".DS_Store",
		"app/.DS_Store",
		"target/debug/build/out",
	}
	for _, p := range ephemeral {
		if !isEphemeral(p) {
			t.Errorf("isEphemeral(%q) = false, want true", p)
		}
	}
	durable := []string{
		"sdk/client.py",
		"environments/venv_setup.md",
		"docs/cache_design.md",
		"target.go",
	}
	for _, p := range durable {
		if isEphemeral(p) {
			t.Errorf("isEphemeral(%q) = true, want false", p)
		}
	}
}
