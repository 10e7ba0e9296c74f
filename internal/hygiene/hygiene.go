// Package hygiene gates patches before they may be applied. The check is
// structural: malformed diffs, touches on immutable control paths, and
// excessive scope are rejected regardless of whether the change is correct.
// Validation is mandatory and precedes every apply; no configuration
// switches it off.
package hygiene

import (
	"fmt"
	"path"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/basket/rfsn/internal/audit"
	"github.com/basket/rfsn/internal/config"
)

// Patch is a candidate diff together with the facts hygiene derived from it.
type Patch struct {
	Raw          string
	TouchedPaths []string
	Files        int
	LinesChanged int
}

// Verdict is the outcome of validating one patch.
type Verdict struct {
	Accepted   bool
	Violations []string
	Patch      Patch
}

// Violation is returned by callers that surface a reject as an error.
type Violation struct {
	Violations []string
}

func (e *Violation) Error() string {
	return "hygiene violation: " + strings.Join(e.Violations, "; ")
}

// Validator applies the hygiene rules. Stateless; safe for concurrent use,
// and validating the same patch twice yields the same verdict.
type Validator struct {
	maxFiles  int
	maxLines  int
	immutable []string
}

// New builds a Validator from config.
func New(cfg config.HygieneConfig) *Validator {
	immutable := make([]string, 0, len(cfg.ImmutablePaths))
	for _, p := range cfg.ImmutablePaths {
		cleaned := path.Clean(strings.TrimPrefix(strings.TrimSpace(p), "./"))
		if cleaned != "" && cleaned != "." {
			immutable = append(immutable, cleaned)
		}
	}
	return &Validator{
		maxFiles:  cfg.MaxFiles,
		maxLines:  cfg.MaxLines,
		immutable: immutable,
	}
}

// Validate runs the checks in order: parse, immutable paths, scope.
// Every reject emits one event with the itemized violations.
func (v *Validator) Validate(raw string) Verdict {
	verdict := v.validate(raw)
	if !verdict.Accepted {
		audit.Record("hygiene_check", "reject",
			strings.Join(verdict.Patch.TouchedPaths, ","),
			strings.Join(verdict.Violations, "; "))
	}
	return verdict
}

func (v *Validator) validate(raw string) Verdict {
	if strings.TrimSpace(raw) == "" {
		return Verdict{Violations: []string{"empty diff"}}
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(raw))
	if err != nil || len(fileDiffs) == 0 {
		return Verdict{Violations: []string{fmt.Sprintf("malformed diff: %v", err)}}
	}

	p := Patch{Raw: raw, Files: len(fileDiffs)}
	var violations []string

	for _, fd := range fileDiffs {
		// A rename or copy touches both sides; checking only the new name
		// would let a patch move an immutable file out of the way.
		var names []string
		for _, raw := range []string{fd.OrigName, fd.NewName} {
			if raw == "" || raw == "/dev/null" {
				continue
			}
			name := path.Clean(stripDiffPrefix(raw))
			if len(names) > 0 && names[len(names)-1] == name {
				continue
			}
			names = append(names, name)
		}
		if len(names) == 0 {
			return Verdict{Violations: []string{"diff entry names no file"}}
		}

		for _, name := range names {
			p.TouchedPaths = append(p.TouchedPaths, name)
			if hit := v.immutableHit(name); hit != "" {
				violations = append(violations,
					fmt.Sprintf("touches immutable path %q (rule %q)", name, hit))
			}
		}

		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if len(line) == 0 {
					continue
				}
				switch line[0] {
				case '+', '-':
					p.LinesChanged++
				}
			}
		}
	}

	if v.maxFiles > 0 && p.Files > v.maxFiles {
		violations = append(violations,
			fmt.Sprintf("touches %d files, limit %d", p.Files, v.maxFiles))
	}
	if v.maxLines > 0 && p.LinesChanged > v.maxLines {
		violations = append(violations,
			fmt.Sprintf("changes %d lines, limit %d", p.LinesChanged, v.maxLines))
	}

	if len(violations) > 0 {
		return Verdict{Violations: violations, Patch: p}
	}
	return Verdict{Accepted: true, Patch: p}
}

// stripDiffPrefix removes exactly one leading a/ or b/ git diff prefix.
// Trimming both in sequence would mangle a repo path like b/config.go.
func stripDiffPrefix(name string) string {
	if rest, ok := strings.CutPrefix(name, "a/"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(name, "b/"); ok {
		return rest
	}
	return name
}

// immutableHit returns the matching immutable rule, or "" when clear.
// A touched path matches when it equals the rule or sits under it.
func (v *Validator) immutableHit(name string) string {
	for _, rule := range v.immutable {
		if name == rule || strings.HasPrefix(name, rule+"/") {
			return rule
		}
	}
	return ""
}

// Require converts a Verdict into a *Violation error when rejected.
func (v *Validator) Require(raw string) (Patch, error) {
	verdict := v.Validate(raw)
	if !verdict.Accepted {
		return verdict.Patch, &Violation{Violations: verdict.Violations}
	}
	return verdict.Patch, nil
}
