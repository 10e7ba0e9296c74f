package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// CloneWorktree materializes an isolated copy of the target repository at
// dest. Each session gets its own clone so concurrent verifications never
// share a working tree. The clone runs with a scrubbed environment like
// every other spawn.
func CloneWorktree(ctx context.Context, repoPath, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create worktree dir: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", "--local", repoPath, dest)
	cmd.Env = ScrubEnviron(os.Environ())
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clone worktree: %w: %s", err, out)
	}
	return nil
}

// RemoveWorktree deletes a session worktree from the host.
func RemoveWorktree(path string) error {
	if path == "" || path == "/" {
		return fmt.Errorf("refusing to remove %q", path)
	}
	return os.RemoveAll(path)
}
