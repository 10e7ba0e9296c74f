package planfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPlan = `goal: fix the failing parser tests
nodes:
  - id: reproduce
    goal: confirm the failure
  - id: patch-parser
    goal: apply the candidate fix
    action_id: candidate-1
    patch: |
      diff --git a/parser.go b/parser.go
      --- a/parser.go
      +++ b/parser.go
      @@ -1 +1 @@
      -old
      +new
    depends_on: [reproduce]
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidPlan(t *testing.T) {
	plan, err := Load(writePlan(t, validPlan))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if plan.Goal != "fix the failing parser tests" {
		t.Errorf("goal = %q", plan.Goal)
	}
	if len(plan.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(plan.Nodes))
	}
	if plan.Nodes[1].ActionID != "candidate-1" {
		t.Errorf("action_id = %q", plan.Nodes[1].ActionID)
	}
	if !strings.Contains(plan.Nodes[1].Patch, "+new") {
		t.Errorf("inline patch not carried: %q", plan.Nodes[1].Patch)
	}
	if len(plan.Nodes[1].DependsOn) != 1 || plan.Nodes[1].DependsOn[0] != "reproduce" {
		t.Errorf("depends_on = %v", plan.Nodes[1].DependsOn)
	}
}

func TestActionIDDefaultsToNodeID(t *testing.T) {
	plan, err := Load(writePlan(t, validPlan))
	if err != nil {
		t.Fatal(err)
	}
	if plan.Nodes[0].ActionID != "reproduce" {
		t.Errorf("action_id = %q, want node id", plan.Nodes[0].ActionID)
	}
}

func TestPatchFileResolvedRelativeToPlan(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fix.diff"), []byte("diff content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	planPath := filepath.Join(dir, "plan.yaml")
	content := `goal: apply external patch
nodes:
  - id: n1
    patch_file: fix.diff
`
	if err := os.WriteFile(planPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := Load(planPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if plan.Nodes[0].Patch != "diff content\n" {
		t.Errorf("patch = %q", plan.Nodes[0].Patch)
	}
}

func TestSchemaRejectsMissingGoal(t *testing.T) {
	_, err := Load(writePlan(t, "nodes:\n  - id: n1\n"))
	if err == nil {
		t.Error("plan without goal accepted")
	}
}

func TestSchemaRejectsEmptyNodes(t *testing.T) {
	_, err := Load(writePlan(t, "goal: something\nnodes: []\n"))
	if err == nil {
		t.Error("plan with no nodes accepted")
	}
}

func TestSchemaRejectsUnknownField(t *testing.T) {
	_, err := Load(writePlan(t, "goal: g\nnodes:\n  - id: n1\n    shell: rm -rf\n"))
	if err == nil {
		t.Error("plan with unknown node field accepted")
	}
}

func TestRejectsPatchAndPatchFileTogether(t *testing.T) {
	content := `goal: g
nodes:
  - id: n1
    patch: "x"
    patch_file: y.diff
`
	_, err := Load(writePlan(t, content))
	if err == nil {
		t.Error("both patch and patch_file accepted")
	}
}

func TestMissingFileSurfacesError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing plan file accepted")
	}
}
