package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// LocalRunner executes commands as host processes confined to the session
// worktree. It provides no container isolation and exists for environments
// without a docker daemon and for tests; the environment scrub and path
// confinement still apply.
type LocalRunner struct{}

// Provision uses the worktree directory itself as the handle.
func (l *LocalRunner) Provision(_ context.Context, workdir string) (string, error) {
	info, err := os.Stat(workdir)
	if err != nil {
		return "", fmt.Errorf("session workdir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("session workdir %s is not a directory", workdir)
	}
	return workdir, nil
}

// Exec runs argv in the worktree with exactly the environment it is given.
func (l *LocalRunner) Exec(ctx context.Context, handle string, argv []string, env []string) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.New("empty argv")
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = handle
	cmd.Env = env

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	result := ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		result.TimedOut = true
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("spawn %s: %w", argv[0], runErr)
	}
	return result, nil
}

// Teardown is a no-op; the pool owns worktree cleanup.
func (l *LocalRunner) Teardown(context.Context, string) error { return nil }
