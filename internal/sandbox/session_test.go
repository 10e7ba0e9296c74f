package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

func newLocalSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(context.Background(), &LocalRunner{}, t.TempDir())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newLocalSession(t)
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
	if err := s.Lease(); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if s.State() != StateLeased {
		t.Fatalf("state = %s, want leased", s.State())
	}
	// Double lease must fail.
	if err := s.Lease(); err == nil {
		t.Error("second lease succeeded")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !s.Warm() {
		t.Error("released session should be warm")
	}
}

func TestDestroyedSessionNeverReused(t *testing.T) {
	s := newLocalSession(t)
	s.Destroy(context.Background())
	if err := s.Lease(); !errors.Is(err, ErrSessionDestroyed) {
		t.Errorf("lease after destroy: %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrSessionDestroyed) {
		t.Errorf("release after destroy: %v", err)
	}
	if _, err := s.Run(context.Background(), []string{"true"}, nil); !errors.Is(err, ErrSessionDestroyed) {
		t.Errorf("run after destroy: %v", err)
	}
}

func TestRunRequiresLease(t *testing.T) {
	s := newLocalSession(t)
	if _, err := s.Run(context.Background(), []string{"true"}, nil); err == nil {
		t.Error("run on idle session succeeded")
	}
}

func TestRunExecutesInWorktree(t *testing.T) {
	s := newLocalSession(t)
	if err := s.Lease(); err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background(), []string{"pwd"}, ScrubEnviron(os.Environ()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Ok() {
		t.Fatalf("pwd failed: %s", res.Stderr)
	}
	if !strings.Contains(strings.TrimSpace(res.Stdout), s.Root) {
		// Symlinked temp dirs (macOS) may differ; accept suffix match.
		if !strings.HasSuffix(strings.TrimSpace(res.Stdout), s.Root[strings.LastIndex(s.Root, "/"):]) {
			t.Errorf("pwd = %q, want under %q", res.Stdout, s.Root)
		}
	}
}

func TestEscapeDetectionDestroysSession(t *testing.T) {
	s := newLocalSession(t)
	if err := s.Lease(); err != nil {
		t.Fatal(err)
	}
	_, err := s.Run(context.Background(), []string{"cat", "../../etc/passwd"}, nil)
	if !errors.Is(err, ErrEscapeDetected) {
		t.Fatalf("expected escape detection, got %v", err)
	}
	if s.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", s.State())
	}
}

func TestEscapeDetectionAbsolutePath(t *testing.T) {
	s := newLocalSession(t)
	if err := s.Lease(); err != nil {
		t.Fatal(err)
	}
	_, err := s.Run(context.Background(), []string{"cat", "/etc/passwd"}, nil)
	if !errors.Is(err, ErrEscapeDetected) {
		t.Fatalf("expected escape detection, got %v", err)
	}
}

func TestRelativePathsInsideRootAllowed(t *testing.T) {
	s := newLocalSession(t)
	if err := os.WriteFile(s.Root+"/hello.txt", []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Lease(); err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background(), []string{"cat", "hello.txt"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestScrubEnviron(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"OPENAI_API_KEY=sk-123",
		"AWS_SECRET_ACCESS_KEY=xyz",
		"GITHUB_TOKEN=ghp_abc",
		"HOME=/root",
		"LANG=C.UTF-8",
	}
	scrubbed := ScrubEnviron(env)
	joined := strings.Join(scrubbed, "\n")
	for _, leaked := range []string{"OPENAI_API_KEY", "AWS_SECRET_ACCESS_KEY", "GITHUB_TOKEN"} {
		if strings.Contains(joined, leaked) {
			t.Errorf("credential %s survived scrub", leaked)
		}
	}
	for _, kept := range []string{"PATH=/usr/bin", "HOME=/root", "LANG=C.UTF-8"} {
		if !strings.Contains(joined, kept) {
			t.Errorf("benign variable %s scrubbed", kept)
		}
	}
}

func TestExecutedProcessLacksCredentials(t *testing.T) {
	t.Setenv("SUPER_SECRET_TOKEN", "do-not-leak")
	s := newLocalSession(t)
	if err := s.Lease(); err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background(), []string{"env"}, ScrubEnviron(os.Environ()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(res.Stdout, "SUPER_SECRET_TOKEN") {
		t.Error("credential variable visible inside session")
	}
}

func TestLocalRunnerNonzeroExit(t *testing.T) {
	s := newLocalSession(t)
	if err := s.Lease(); err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background(), []string{"git", "frobnicate"}, ScrubEnviron(os.Environ()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Ok() {
		t.Error("expected nonzero exit")
	}
}
