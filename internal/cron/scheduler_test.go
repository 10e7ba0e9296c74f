package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobRejectsBadExpression(t *testing.T) {
	s := NewScheduler(Config{})
	if err := s.AddJob("bad", "not a cron expr", func(context.Context) error { return nil }); err == nil {
		t.Error("invalid cron expression accepted")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 * * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunTimeBadExpression(t *testing.T) {
	if _, err := NextRunTime("nope", time.Now()); err == nil {
		t.Error("invalid expression accepted")
	}
}

func TestDueJobFires(t *testing.T) {
	s := NewScheduler(Config{Interval: 10 * time.Millisecond})
	var fired atomic.Int32
	if err := s.AddJob("sweep", "* * * * *", func(context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Force the job due immediately instead of waiting for the next minute.
	s.mu.Lock()
	s.jobs[0].nextRun = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("due job never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopTerminatesLoop(t *testing.T) {
	s := NewScheduler(Config{Interval: 5 * time.Millisecond})
	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
