// Package doctor runs preflight diagnostics: everything a verification run
// needs (git, the sandbox backend, a writable output directory, a loadable
// plan) is checked up front so failures surface before any patch is touched.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/rfsn/internal/allowlist"
	"github.com/basket/rfsn/internal/config"
	"github.com/basket/rfsn/internal/learning"
	"github.com/basket/rfsn/internal/planfile"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkConfig,
		checkRepository,
		checkOutputDir,
		checkLearningStore,
		checkExternalTools,
		checkTestCommand,
		checkPlan,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg config.Config) CheckResult {
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("policy=%s planner=%s parallel=%d", cfg.PolicyMode, cfg.PlannerMode, cfg.MaxParallelPatches)}
}

func checkRepository(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.RepoPath == "" {
		return CheckResult{Name: "Repository", Status: "FAIL", Message: "repo_path not configured"}
	}
	info, err := os.Stat(cfg.RepoPath)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Repository", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.RepoPath)}
	}
	cmd := exec.CommandContext(ctx, "git", "-C", cfg.RepoPath, "rev-parse", "--git-dir")
	if out, err := cmd.CombinedOutput(); err != nil {
		return CheckResult{Name: "Repository", Status: "FAIL",
			Message: "not a git repository", Detail: string(out)}
	}
	return CheckResult{Name: "Repository", Status: "PASS", Message: cfg.RepoPath}
}

func checkOutputDir(_ context.Context, cfg config.Config) CheckResult {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return CheckResult{Name: "Output Dir", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", cfg.OutputDir, err)}
	}
	probe := filepath.Join(cfg.OutputDir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Output Dir", Status: "FAIL", Message: fmt.Sprintf("unwritable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Output Dir", Status: "PASS", Message: cfg.OutputDir + " writable"}
}

func checkLearningStore(ctx context.Context, cfg config.Config) CheckResult {
	store, err := learning.Open(cfg.LearningDBPath())
	if err != nil {
		return CheckResult{Name: "Learning Store", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()
	total, err := store.TotalOutcomes(ctx)
	if err != nil {
		return CheckResult{Name: "Learning Store", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Learning Store", Status: "PASS",
		Message: fmt.Sprintf("schema valid, %d outcomes recorded", total)}
}

func checkExternalTools(ctx context.Context, cfg config.Config) CheckResult {
	var details []string
	status := "PASS"

	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing (required for worktrees and rollback)")
		status = "FAIL"
	} else {
		details = append(details, "git: ok")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		details = append(details, "docker: missing (required for container sessions)")
		status = "FAIL"
	} else {
		cmd := exec.CommandContext(ctx, "docker", "info")
		if err := cmd.Run(); err != nil {
			details = append(details, fmt.Sprintf("docker: daemon unreachable (%v)", err))
			status = "FAIL"
		} else {
			details = append(details, "docker: ok")
		}
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  fmt.Sprintf("%v", details),
	}
}

func checkTestCommand(_ context.Context, cfg config.Config) CheckResult {
	if len(cfg.TestCommand) == 0 {
		return CheckResult{Name: "Test Command", Status: "FAIL", Message: "test_command is empty"}
	}
	gate := allowlist.New(cfg.Allowlist)
	if d := gate.Check(cfg.TestCommand); !d.Allowed {
		return CheckResult{Name: "Test Command", Status: "FAIL",
			Message: "test command would be denied", Detail: d.Reason}
	}
	if _, err := exec.LookPath(cfg.TestCommand[0]); err != nil {
		return CheckResult{Name: "Test Command", Status: "WARN",
			Message: fmt.Sprintf("%s not on PATH here (may exist in the sandbox image)", cfg.TestCommand[0])}
	}
	return CheckResult{Name: "Test Command", Status: "PASS",
		Message: fmt.Sprintf("%v allowed", cfg.TestCommand)}
}

func checkPlan(_ context.Context, cfg config.Config) CheckResult {
	if cfg.PlanFile == "" {
		return CheckResult{Name: "Plan", Status: "SKIP", Message: "no plan file configured"}
	}
	if _, err := os.Stat(cfg.PlanFile); os.IsNotExist(err) {
		return CheckResult{Name: "Plan", Status: "WARN", Message: fmt.Sprintf("%s does not exist yet", cfg.PlanFile)}
	}
	plan, err := planfile.Load(cfg.PlanFile)
	if err != nil {
		return CheckResult{Name: "Plan", Status: "FAIL", Message: "plan does not validate", Detail: err.Error()}
	}
	return CheckResult{Name: "Plan", Status: "PASS",
		Message: fmt.Sprintf("%d nodes, goal %q", len(plan.Nodes), plan.Goal)}
}
