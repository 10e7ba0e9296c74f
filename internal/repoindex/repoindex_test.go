package repoindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestBuildIndexesFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":        "package main\n",
		"pkg/util.go":    "package pkg\n",
		".git/HEAD":      "ref: refs/heads/main\n",
		".rfsn/state":    "ignore me\n",
		"vendor/dep.go":  "package dep\n",
		"docs/README.md": "# docs\n",
	})

	idx, err := Build(context.Background(), root)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(idx.Files) != 3 {
		t.Fatalf("indexed %d files, want 3: %+v", len(idx.Files), idx.Files)
	}
	for _, f := range idx.Files {
		if f.Hash == "" {
			t.Errorf("file %s has no hash", f.Path)
		}
		switch filepath.Dir(f.Path) {
		case ".git", ".rfsn", "vendor":
			t.Errorf("skipped directory leaked into index: %s", f.Path)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	files := map[string]string{"a.go": "alpha\n", "b.go": "beta\n"}
	first, err := Build(context.Background(), writeTree(t, files))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Build(context.Background(), writeTree(t, files))
	if err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("identical trees fingerprint differently: %s vs %s",
			first.Fingerprint, second.Fingerprint)
	}
}

func TestFingerprintTracksContent(t *testing.T) {
	base, err := Build(context.Background(), writeTree(t, map[string]string{"a.go": "alpha\n"}))
	if err != nil {
		t.Fatal(err)
	}
	changed, err := Build(context.Background(), writeTree(t, map[string]string{"a.go": "ALPHA\n"}))
	if err != nil {
		t.Fatal(err)
	}
	if base.Fingerprint == changed.Fingerprint {
		t.Error("content change did not move the fingerprint")
	}
}

func TestLookup(t *testing.T) {
	idx, err := Build(context.Background(), writeTree(t, map[string]string{
		"internal/parser/parse.go": "package parser\n",
		"cmd/main.go":              "package main\n",
	}))
	if err != nil {
		t.Fatal(err)
	}
	hits := idx.Lookup("Parser")
	if len(hits) != 1 || hits[0].Path != "internal/parser/parse.go" {
		t.Errorf("lookup = %+v", hits)
	}
	if got := idx.Lookup("nothing-matches"); len(got) != 0 {
		t.Errorf("unexpected hits: %+v", got)
	}
}

func TestBuildRejectsFile(t *testing.T) {
	root := writeTree(t, map[string]string{"a.go": "x"})
	if _, err := Build(context.Background(), filepath.Join(root, "a.go")); err == nil {
		t.Error("non-directory root accepted")
	}
}
