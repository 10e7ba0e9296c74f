package learning

import (
	"context"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestRecordAndCount(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "learning.db"))
	defer s.Close()

	outcomes := []Outcome{
		{ContextFingerprint: "ctx-a", ActionID: "patch-1", Success: true},
		{ContextFingerprint: "ctx-a", ActionID: "patch-1", Success: true},
		{ContextFingerprint: "ctx-a", ActionID: "patch-1", Success: false},
		{ContextFingerprint: "ctx-a", ActionID: "patch-2", Success: false},
		{ContextFingerprint: "ctx-b", ActionID: "patch-1", Success: true},
	}
	for _, o := range outcomes {
		if err := s.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	counts, err := s.ArmCounts(ctx, "ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	if got := counts["patch-1"]; got.Successes != 2 || got.Failures != 1 {
		t.Errorf("patch-1 counts = %+v, want 2/1", got)
	}
	if got := counts["patch-2"]; got.Successes != 0 || got.Failures != 1 {
		t.Errorf("patch-2 counts = %+v, want 0/1", got)
	}
	if _, ok := counts["patch-3"]; ok {
		t.Error("unknown arm present in counts")
	}
}

func TestCountsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "learning.db")

	s := openStore(t, path)
	if err := s.RecordOutcome(ctx, Outcome{ContextFingerprint: "ctx", ActionID: "a", Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordOutcome(ctx, Outcome{ContextFingerprint: "ctx", ActionID: "a", Success: false}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openStore(t, path)
	defer reopened.Close()
	c, err := reopened.CountsFor(ctx, "ctx", "a")
	if err != nil {
		t.Fatal(err)
	}
	if c.Successes != 1 || c.Failures != 1 {
		t.Errorf("counts after reopen = %+v, want 1/1", c)
	}
}

func TestNewArmHasZeroCounts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "learning.db"))
	defer s.Close()

	c, err := s.CountsFor(ctx, "ctx", "never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if c.Successes != 0 || c.Failures != 0 {
		t.Errorf("counts = %+v, want zero", c)
	}
}

func TestLedgerIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "learning.db"))
	defer s.Close()

	for i := 0; i < 10; i++ {
		if err := s.RecordOutcome(ctx, Outcome{ContextFingerprint: "ctx", ActionID: "a", Success: i%2 == 0}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.TotalOutcomes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("total outcomes = %d, want 10", n)
	}
}

func TestBufferFlushesAtThreshold(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "learning.db"))
	defer s.Close()

	for i := 0; i < flushThreshold; i++ {
		if err := s.RecordOutcome(ctx, Outcome{ContextFingerprint: "ctx", ActionID: "a", Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	// The threshold write flushed; the table holds every row without an
	// explicit Flush call.
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes;`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != int64(flushThreshold) {
		t.Errorf("rows after threshold = %d, want %d", n, flushThreshold)
	}
}
