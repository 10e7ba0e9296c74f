package hygiene

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/basket/rfsn/internal/config"
)

func defaultValidator() *Validator {
	return New(config.HygieneConfig{
		MaxFiles:       8,
		MaxLines:       400,
		ImmutablePaths: []string{".git", ".rfsn", ".github", "go.mod"},
	})
}

func onelineDiff(file string) string {
	return fmt.Sprintf(`--- a/%s
+++ b/%s
@@ -1,1 +1,1 @@
-old line
+new line
`, file, file)
}

func TestMalformedDiffRejected(t *testing.T) {
	v := defaultValidator()
	for _, raw := range []string{"", "not a diff at all", "+++ only new side"} {
		verdict := v.Validate(raw)
		if verdict.Accepted {
			t.Errorf("accepted malformed diff %q", raw)
		}
		if len(verdict.Violations) == 0 {
			t.Error("rejection carried no violations")
		}
	}
}

func TestImmutablePathRejectedRegardlessOfSize(t *testing.T) {
	v := defaultValidator()
	verdict := v.Validate(onelineDiff(".github/workflows/ci.yml"))
	if verdict.Accepted {
		t.Fatal("one-line change to immutable path was accepted")
	}
	found := false
	for _, viol := range verdict.Violations {
		if strings.Contains(viol, ".github/workflows/ci.yml") {
			found = true
		}
	}
	if !found {
		t.Errorf("violations do not cite the path: %v", verdict.Violations)
	}
}

func TestImmutableExactFileRejected(t *testing.T) {
	v := defaultValidator()
	if verdict := v.Validate(onelineDiff("go.mod")); verdict.Accepted {
		t.Error("go.mod change accepted")
	}
	// A file merely sharing the prefix is fine.
	if verdict := v.Validate(onelineDiff("go.mod.bak")); !verdict.Accepted {
		t.Errorf("go.mod.bak rejected: %v", verdict.Violations)
	}
}

func TestRenameOfImmutableFileRejected(t *testing.T) {
	v := defaultValidator()

	pureRename := `diff --git a/go.mod b/renamed.mod
similarity index 100%
rename from go.mod
rename to renamed.mod
`
	verdict := v.Validate(pureRename)
	if verdict.Accepted {
		t.Fatalf("rename away from go.mod accepted; touched %v", verdict.Patch.TouchedPaths)
	}

	renameEdit := `diff --git a/go.mod b/renamed.mod
similarity index 90%
rename from go.mod
rename to renamed.mod
--- a/go.mod
+++ b/renamed.mod
@@ -1,1 +1,1 @@
-module example
+module renamed
`
	verdict = v.Validate(renameEdit)
	if verdict.Accepted {
		t.Fatalf("rename+edit of go.mod accepted; touched %v", verdict.Patch.TouchedPaths)
	}
	found := false
	for _, viol := range verdict.Violations {
		if strings.Contains(viol, "go.mod") {
			found = true
		}
	}
	if !found {
		t.Errorf("violations do not cite go.mod: %v", verdict.Violations)
	}
}

func TestRenameTouchesBothSides(t *testing.T) {
	v := defaultValidator()
	raw := `diff --git a/pkg/old.go b/pkg/new.go
similarity index 95%
rename from pkg/old.go
rename to pkg/new.go
--- a/pkg/old.go
+++ b/pkg/new.go
@@ -1,1 +1,1 @@
-package old
+package renamed
`
	verdict := v.Validate(raw)
	if !verdict.Accepted {
		t.Fatalf("clean rename rejected: %v", verdict.Violations)
	}
	want := map[string]bool{"pkg/old.go": false, "pkg/new.go": false}
	for _, p := range verdict.Patch.TouchedPaths {
		if _, ok := want[p]; ok {
			want[p] = true
		}
	}
	for p, seen := range want {
		if !seen {
			t.Errorf("touched paths %v miss %s", verdict.Patch.TouchedPaths, p)
		}
	}
}

func TestDiffPrefixStrippedExactlyOnce(t *testing.T) {
	// A repo file living under a directory literally named b/ must not have
	// that directory stripped along with the diff prefix.
	v := New(config.HygieneConfig{
		MaxFiles:       8,
		MaxLines:       400,
		ImmutablePaths: []string{"b/config.go"},
	})
	verdict := v.Validate(onelineDiff("b/config.go"))
	if verdict.Accepted {
		t.Fatalf("change to immutable b/config.go accepted; touched %v", verdict.Patch.TouchedPaths)
	}
	for _, p := range verdict.Patch.TouchedPaths {
		if p == "config.go" {
			t.Errorf("path b/config.go mangled to %q", p)
		}
	}
}

func TestCleanPatchAccepted(t *testing.T) {
	v := defaultValidator()
	verdict := v.Validate(onelineDiff("pkg/parser/parser.go"))
	if !verdict.Accepted {
		t.Fatalf("clean patch rejected: %v", verdict.Violations)
	}
	if verdict.Patch.Files != 1 {
		t.Errorf("files = %d", verdict.Patch.Files)
	}
	if verdict.Patch.LinesChanged != 2 {
		t.Errorf("lines changed = %d, want 2", verdict.Patch.LinesChanged)
	}
	if len(verdict.Patch.TouchedPaths) != 1 || verdict.Patch.TouchedPaths[0] != "pkg/parser/parser.go" {
		t.Errorf("touched paths = %v", verdict.Patch.TouchedPaths)
	}
}

func TestScopeLimits(t *testing.T) {
	v := New(config.HygieneConfig{MaxFiles: 1, MaxLines: 400})
	two := onelineDiff("a.go") + onelineDiff("b.go")
	if verdict := v.Validate(two); verdict.Accepted {
		t.Error("two-file patch accepted with max_files=1")
	}

	v = New(config.HygieneConfig{MaxFiles: 8, MaxLines: 1})
	if verdict := v.Validate(onelineDiff("a.go")); verdict.Accepted {
		t.Error("2-line patch accepted with max_lines=1")
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	v := defaultValidator()
	raw := onelineDiff("pkg/x/x.go")
	first := v.Validate(raw)
	second := v.Validate(raw)
	if first.Accepted != second.Accepted {
		t.Error("verdict changed across identical validations")
	}
	if len(first.Violations) != len(second.Violations) {
		t.Error("violations changed across identical validations")
	}
}

func TestRequireReturnsViolation(t *testing.T) {
	v := defaultValidator()
	_, err := v.Require(onelineDiff(".git/config"))
	var violation *Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected *Violation, got %v", err)
	}
	if _, err := v.Require(onelineDiff("main.go")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
