package graph

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeMapping(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEdgeMapCanonical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge_mapping.yaml")
	writeMapping(t, path, "collaborated with: WORKED_WITH\nacquired by: ACQUIRED\n")
	m := NewEdgeMap(path, nil)

	tests := []struct {
		phrase string
		want   EdgeType
		ok     bool
	}{
		{"collaborated with", EdgeWorkedWith, true},
		{"Collaborated With", EdgeWorkedWith, true},
		{"  acquired by  ", EdgeAcquired, true},
		{"worked_with", EdgeWorkedWith, true}, // canonical names map to themselves
		{"argued with", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := m.Canonical(tt.phrase)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Canonical(%q) = %q, %v; want %q, %v", tt.phrase, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEdgeMapUnknownEnumSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge_mapping.yaml")
	writeMapping(t, path, "good phrase: FUNDED_BY\nbad phrase: NO_SUCH_RELATION\n")
	m := NewEdgeMap(path, nil)

	if _, ok := m.Canonical("good phrase"); !ok {
		t.Fatal("valid entry should load")
	}
	if _, ok := m.Canonical("bad phrase"); ok {
		t.Fatal("entry naming an unknown relation should be skipped")
	}
}

func TestEdgeMapMissingFile(t *testing.T) {
	m := NewEdgeMap(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if _, ok := m.Canonical("anything"); ok {
		t.Fatal("missing file should yield an empty vocabulary")
	}
	if _, ok := m.Canonical("worked_with"); !ok {
		t.Fatal("canonical self-mapping should work without a file")
	}
}

func TestEdgeMapHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge_mapping.yaml")
	writeMapping(t, path, "old phrase: WORKED_WITH\n")
	m := NewEdgeMap(path, nil)

	if _, ok := m.Canonical("old phrase"); !ok {
		t.Fatal("initial mapping should load")
	}

	writeMapping(t, path, "new phrase: PARTNERED_WITH\n")
	// mtime resolution can swallow quick successive writes.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Canonical("new phrase"); !ok {
		t.Fatal("updated mapping should be picked up")
	}
	if _, ok := m.Canonical("old phrase"); ok {
		t.Fatal("removed phrase should disappear after reload")
	}
}
