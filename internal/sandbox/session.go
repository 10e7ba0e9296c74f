// Package sandbox provides isolated, resource-bounded execution sessions.
// A session owns one worktree and (optionally) one container. Every process
// it spawns runs with a scrubbed environment, and every path it is asked to
// touch must stay under the session root: a breach destroys the session.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/rfsn/internal/audit"
	"github.com/basket/rfsn/internal/shared"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateLeased    State = "leased"
	StateExecuting State = "executing"
	StateDestroyed State = "destroyed"
)

// ErrEscapeDetected reports a sandbox boundary breach. The session that
// triggered it is destroyed and never reused.
var ErrEscapeDetected = errors.New("sandbox escape detected")

// ErrSessionDestroyed is returned when work is attempted on a dead session.
var ErrSessionDestroyed = errors.New("session destroyed")

// ExecResult is the outcome of one command inside a session.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Ok reports whether the command exited zero without timing out.
func (r ExecResult) Ok() bool { return r.ExitCode == 0 && !r.TimedOut }

// Runner executes commands inside an isolation backend.
type Runner interface {
	// Provision prepares the backend for a session rooted at workdir and
	// returns an opaque handle. Cold path; bounded by the caller's context.
	Provision(ctx context.Context, workdir string) (string, error)
	// Exec runs argv with the given (already scrubbed) environment.
	Exec(ctx context.Context, handle string, argv []string, env []string) (ExecResult, error)
	// Teardown releases backend resources for the handle.
	Teardown(ctx context.Context, handle string) error
}

// Session is one isolated filesystem-and-execution context.
type Session struct {
	ID   string
	Root string // host worktree directory; nothing may escape it

	mu     sync.Mutex
	state  State
	handle string
	runner Runner
	warm   bool
}

// New provisions a session rooted at root using the given runner.
// This is the cold creation path.
func New(ctx context.Context, runner Runner, root string) (*Session, error) {
	handle, err := runner.Provision(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("provision session: %w", err)
	}
	return &Session{
		ID:     uuid.NewString(),
		Root:   root,
		state:  StateIdle,
		handle: handle,
		runner: runner,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Warm reports whether this session has served a prior verification.
func (s *Session) Warm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warm
}

// Lease transitions Idle → Leased. A destroyed session is never leased.
func (s *Session) Lease() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		s.state = StateLeased
		return nil
	case StateDestroyed:
		return ErrSessionDestroyed
	default:
		return fmt.Errorf("session %s not idle (state %s)", s.ID, s.state)
	}
}

// Release transitions back to Idle after a clean verification. Releasing a
// destroyed session is an error; the pool discards it instead.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return ErrSessionDestroyed
	}
	s.state = StateIdle
	s.warm = true
	return nil
}

// Destroy tears down the backend and marks the session dead. Idempotent.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateDestroyed
	handle := s.handle
	runner := s.runner
	s.mu.Unlock()

	if runner != nil {
		_ = runner.Teardown(ctx, handle)
	}
}

// Run executes argv inside the session. The inherited environment is scrubbed
// of credential-shaped variables unconditionally, and path-shaped arguments
// are confined to the session root before anything spawns.
func (s *Session) Run(ctx context.Context, argv []string, env []string) (ExecResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateDestroyed:
		s.mu.Unlock()
		return ExecResult{}, ErrSessionDestroyed
	case StateLeased, StateExecuting:
		s.state = StateExecuting
	default:
		s.mu.Unlock()
		return ExecResult{}, fmt.Errorf("session %s not leased (state %s)", s.ID, s.state)
	}
	handle := s.handle
	runner := s.runner
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateExecuting {
			s.state = StateLeased
		}
		s.mu.Unlock()
	}()

	if err := s.confine(argv); err != nil {
		s.markDestroyed(ctx)
		audit.RecordFor("escape_check", "deny", strings.Join(argv, " "), err.Error(),
			shared.NodeID(ctx), shared.ActionID(ctx))
		return ExecResult{}, err
	}

	return runner.Exec(ctx, handle, argv, ScrubEnviron(env))
}

func (s *Session) markDestroyed(ctx context.Context) {
	s.Destroy(ctx)
}

// confine rejects any path-shaped argument that resolves outside the session
// root. Traversal sequences are resolved before comparison.
func (s *Session) confine(argv []string) error {
	rootAbs, err := filepath.Abs(s.Root)
	if err != nil {
		return fmt.Errorf("resolve session root: %w", err)
	}
	for _, arg := range argv[min(1, len(argv)):] {
		if !looksLikePath(arg) {
			continue
		}
		candidate := arg
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(rootAbs, candidate)
		}
		resolved := filepath.Clean(candidate)
		if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
			return fmt.Errorf("%w: argument %q resolves outside session root", ErrEscapeDetected, arg)
		}
	}
	return nil
}

// looksLikePath decides whether an argument should be confined. Flags and
// bare words are left alone; anything absolute or containing a separator or
// traversal sequence is checked.
func looksLikePath(arg string) bool {
	if arg == "" || strings.HasPrefix(arg, "-") {
		return false
	}
	return filepath.IsAbs(arg) || strings.Contains(arg, "..") || strings.ContainsRune(arg, os.PathSeparator)
}

// ScrubEnviron removes every credential-shaped variable from environ.
// The scrub is unconditional: it applies to every spawn, host-level or
// inside the isolated runtime.
func ScrubEnviron(environ []string) []string {
	scrubbed := make([]string, 0, len(environ))
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if shared.IsCredentialKey(key) {
			continue
		}
		scrubbed = append(scrubbed, kv)
	}
	return scrubbed
}
