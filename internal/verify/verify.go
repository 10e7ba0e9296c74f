// Package verify drives one candidate patch through apply, test, and
// rollback inside a leased sandbox session. The machine is fail-closed:
// any ambiguous or erroring step resolves to Failed, never to Verified,
// and the working tree is always restored before the session goes back
// to the pool.
package verify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/rfsn/internal/allowlist"
	"github.com/basket/rfsn/internal/audit"
	"github.com/basket/rfsn/internal/bus"
	"github.com/basket/rfsn/internal/hygiene"
	"github.com/basket/rfsn/internal/sandbox"
	"github.com/basket/rfsn/internal/shared"
)

// State is the verifier's position in the apply/test/rollback machine.
type State string

const (
	StateIdle       State = "idle"
	StateApplying   State = "applying"
	StateTesting    State = "testing"
	StateVerified   State = "verified"
	StateFailed     State = "failed"
	StateApplyError State = "apply_error"
	StateRolledBack State = "rolled_back"
)

// Outcome tags a finished verification.
type Outcome string

const (
	OutcomeVerified   Outcome = "verified"
	OutcomeFailed     Outcome = "failed"
	OutcomeApplyError Outcome = "apply_error"
	OutcomeDenied     Outcome = "denied"
	OutcomeRejected   Outcome = "rejected"
)

// Success reports whether the outcome counts as a positive signal.
func (o Outcome) Success() bool { return o == OutcomeVerified }

// Result is the record of one verification.
type Result struct {
	ActionID   string
	SessionID  string
	Outcome    Outcome
	State      State
	TestOutput string
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
	Violations []string // hygiene reject detail
	Reason     string   // deny / apply-error detail
}

// patchFileName is where the candidate diff lands inside the worktree
// before git apply reads it. It is removed again during rollback.
const patchFileName = "candidate.patch"

// applyArgv is the exact vector spawned for the apply step. gateCommands
// vets this same value so the gate cannot drift from what runs.
var applyArgv = []string{"git", "apply", "--whitespace=nowarn", patchFileName}

// Verifier runs apply+test sequences. Stateless between calls; one
// Verifier may serve many sessions.
type Verifier struct {
	hygiene     *hygiene.Validator
	gate        *allowlist.Checker
	testCommand []string
	testTimeout time.Duration
	logger      *slog.Logger
	events      *bus.Bus
}

// New builds a Verifier. The hygiene validator and command gate are
// mandatory; there is no configuration that bypasses either.
func New(h *hygiene.Validator, gate *allowlist.Checker, testCommand []string, testTimeout time.Duration, logger *slog.Logger, events *bus.Bus) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		hygiene:     h,
		gate:        gate,
		testCommand: testCommand,
		testTimeout: testTimeout,
		logger:      logger,
		events:      events,
	}
}

// Verify takes a raw diff through hygiene, apply, test, and rollback on the
// given leased session. The returned error is non-nil only for faults that
// invalidate the session itself (escape, destroyed session); every normal
// negative signal is expressed through the Result outcome.
func (v *Verifier) Verify(ctx context.Context, s *sandbox.Session, actionID, rawPatch string) (Result, error) {
	start := time.Now()
	res := Result{ActionID: actionID, SessionID: s.ID, State: StateIdle}
	nodeID := shared.NodeID(ctx)
	log := v.logger.With("action_id", actionID, "session_id", s.ID, "run_id", shared.RunID(ctx))

	if _, err := v.hygiene.Require(rawPatch); err != nil {
		var violation *hygiene.Violation
		if errors.As(err, &violation) {
			res.Outcome = OutcomeRejected
			res.Violations = violation.Violations
			res.Duration = time.Since(start)
			v.publish(bus.TopicHygieneRejected, bus.VerificationEvent{
				ActionID: actionID, SessionID: s.ID, Outcome: string(OutcomeRejected),
			})
			v.publishOutcome(res)
			return res, nil
		}
		return res, err
	}

	if err := v.gateCommands(); err != nil {
		res.Outcome = OutcomeDenied
		res.Reason = err.Error()
		res.Duration = time.Since(start)
		v.publish(bus.TopicCommandDenied, bus.VerificationEvent{
			ActionID: actionID, SessionID: s.ID, Outcome: string(OutcomeDenied),
		})
		v.publishOutcome(res)
		return res, nil
	}

	before, err := v.fingerprint(ctx, s)
	if err != nil {
		return res, fmt.Errorf("pre-apply fingerprint: %w", err)
	}

	res.State = StateApplying
	applyRes, err := v.apply(ctx, s, rawPatch)
	if err != nil {
		return res, err
	}
	if !applyRes.Ok() {
		res.State = StateApplyError
		res.Outcome = OutcomeApplyError
		res.Reason = strings.TrimSpace(applyRes.Stderr)
		audit.RecordFor("patch_apply", "error", actionID, res.Reason, nodeID, actionID)
		v.publish(bus.TopicApplyError, bus.VerificationEvent{
			ActionID: actionID, SessionID: s.ID, Outcome: string(res.Outcome),
		})
		v.rollback(ctx, s, before, &res)
		res.Duration = time.Since(start)
		v.publishOutcome(res)
		return res, nil
	}
	audit.RecordFor("patch_apply", "ok", actionID, "", nodeID, actionID)
	v.publish(bus.TopicPatchApplied, bus.VerificationEvent{
		ActionID: actionID, SessionID: s.ID, Outcome: "applied",
	})

	res.State = StateTesting
	testCtx, cancel := context.WithTimeout(ctx, v.testTimeout)
	testRes, err := s.Run(testCtx, v.testCommand, sandbox.ScrubEnviron(os.Environ()))
	cancel()
	if err != nil {
		// Escape or destroyed session. No rollback is possible on a dead
		// session; the pool discards it.
		return res, err
	}

	res.TestOutput = shared.Truncate(testRes.Stdout + testRes.Stderr)
	res.ExitCode = testRes.ExitCode
	res.TimedOut = testRes.TimedOut
	if testRes.Ok() {
		res.State = StateVerified
		res.Outcome = OutcomeVerified
		audit.RecordFor("test_run", "pass", actionID, "", nodeID, actionID)
		v.publish(bus.TopicTestPassed, bus.VerificationEvent{
			ActionID: actionID, SessionID: s.ID, Outcome: string(OutcomeVerified),
			Duration: testRes.Duration.Milliseconds(),
		})
	} else {
		res.State = StateFailed
		res.Outcome = OutcomeFailed
		reason := fmt.Sprintf("exit %d", testRes.ExitCode)
		if testRes.TimedOut {
			reason = "timeout"
		}
		audit.RecordFor("test_run", "fail", actionID, reason, nodeID, actionID)
		v.publish(bus.TopicTestFailed, bus.VerificationEvent{
			ActionID: actionID, SessionID: s.ID, Outcome: string(OutcomeFailed),
			Duration: testRes.Duration.Milliseconds(),
		})
	}

	v.rollback(ctx, s, before, &res)
	res.Duration = time.Since(start)
	log.Info("verification finished",
		"outcome", res.Outcome, "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	v.publishOutcome(res)
	return res, nil
}

// gateCommands checks every command the verification will spawn against
// the allowlist before anything runs.
func (v *Verifier) gateCommands() error {
	for _, argv := range [][]string{
		applyArgv,
		v.testCommand,
		{"git", "checkout", "--", "."},
		{"git", "clean", "-fdq"},
	} {
		if err := v.gate.Require(argv); err != nil {
			return err
		}
	}
	return nil
}

// apply writes the diff into the worktree and applies it with git.
func (v *Verifier) apply(ctx context.Context, s *sandbox.Session, rawPatch string) (sandbox.ExecResult, error) {
	patchPath := filepath.Join(s.Root, patchFileName)
	if err := os.WriteFile(patchPath, []byte(rawPatch), 0o644); err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("stage patch: %w", err)
	}
	return s.Run(ctx, applyArgv, sandbox.ScrubEnviron(os.Environ()))
}

// rollback restores the worktree to its pre-apply state and confirms the
// restoration via fingerprint comparison. A session whose tree cannot be
// restored byte-for-byte is destroyed rather than returned warm.
func (v *Verifier) rollback(ctx context.Context, s *sandbox.Session, before string, res *Result) {
	env := sandbox.ScrubEnviron(os.Environ())
	ctx = context.WithoutCancel(ctx)

	checkout, err1 := s.Run(ctx, []string{"git", "checkout", "--", "."}, env)
	clean, err2 := s.Run(ctx, []string{"git", "clean", "-fdq"}, env)
	if err1 != nil || err2 != nil || !checkout.Ok() || !clean.Ok() {
		v.logger.Warn("rollback commands failed; destroying session", "session_id", s.ID)
		s.Destroy(ctx)
		return
	}

	after, err := v.fingerprint(ctx, s)
	if err != nil || after != before {
		v.logger.Warn("worktree fingerprint mismatch after rollback; destroying session",
			"session_id", s.ID, "error", err)
		s.Destroy(ctx)
		return
	}

	res.State = StateRolledBack
	audit.RecordFor("rollback", "ok", res.ActionID, "", shared.NodeID(ctx), res.ActionID)
	v.publish(bus.TopicRolledBack, bus.VerificationEvent{
		ActionID: res.ActionID, SessionID: s.ID, Outcome: string(res.Outcome),
	})
}

// fingerprint captures the worktree's dirty state: tracked content via
// `git stash create` and the untracked/modified file list via porcelain
// status. Identical trees yield identical fingerprints.
func (v *Verifier) fingerprint(ctx context.Context, s *sandbox.Session) (string, error) {
	env := sandbox.ScrubEnviron(os.Environ())

	status, err := s.Run(ctx, []string{"git", "status", "--porcelain"}, env)
	if err != nil {
		return "", err
	}
	if !status.Ok() {
		return "", fmt.Errorf("git status failed: %s", status.Stderr)
	}

	stash, err := s.Run(ctx, []string{"git", "stash", "create"}, env)
	if err != nil {
		return "", err
	}
	if !stash.Ok() {
		return "", fmt.Errorf("git stash create failed: %s", stash.Stderr)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(status.Stdout))
	_, _ = h.Write([]byte(strings.TrimSpace(stash.Stdout)))
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func (v *Verifier) publish(topic string, payload interface{}) {
	if v.events != nil {
		v.events.Publish(topic, payload)
	}
}

func (v *Verifier) publishOutcome(res Result) {
	// Terminal summary event for the policy and learning layers.
	v.publish(bus.TopicVerifyResult, bus.VerificationEvent{
		ActionID:  res.ActionID,
		SessionID: res.SessionID,
		Outcome:   string(res.Outcome),
		Duration:  res.Duration.Milliseconds(),
	})
}
