package controller

import (
	"fmt"
	"testing"
)

func TestConsecutiveFailuresTerminate(t *testing.T) {
	h := newHeuristics()
	// Enough prior successes to keep the success-rate check quiet.
	for i := 0; i < 10; i++ {
		h.recordAttempt(fmt.Sprintf("success diff %d", i), true)
	}
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		h.recordAttempt(fmt.Sprintf("failing diff %d", i), false)
	}
	if stop, reason := h.shouldTerminate(); stop {
		t.Fatalf("terminated before the failure cap: %s", reason)
	}
	h.recordAttempt("one more failing diff", false)
	stop, reason := h.shouldTerminate()
	if !stop {
		t.Fatal("failure cap did not terminate")
	}
	if reason == "" {
		t.Error("no reason given")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	h := newHeuristics()
	for i := 0; i < 10; i++ {
		h.recordAttempt(fmt.Sprintf("success diff %d", i), true)
	}
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		h.recordAttempt(fmt.Sprintf("failing diff %d", i), false)
	}
	h.recordAttempt("winning diff", true)
	h.recordAttempt("another failing diff", false)
	if stop, reason := h.shouldTerminate(); stop {
		t.Errorf("terminated despite a reset streak: %s", reason)
	}
}

func TestLowSuccessRateTerminates(t *testing.T) {
	h := newHeuristics()
	for i := 0; i < minStepsBeforeTermination; i++ {
		h.recordAttempt(fmt.Sprintf("failing diff %d", i), false)
	}
	stop, reason := h.shouldTerminate()
	if !stop {
		t.Fatal("zero success rate did not terminate")
	}
	if reason == "" {
		t.Error("no reason given")
	}
}

func TestRepeatedIdenticalPatchesTerminate(t *testing.T) {
	h := newHeuristics()
	for i := 0; i < maxSimilarPatches; i++ {
		h.recordAttempt("same diff every time", true)
	}
	stop, reason := h.shouldTerminate()
	if !stop {
		t.Fatal("identical patch loop not detected")
	}
	if reason != "repeated identical patches" {
		t.Errorf("reason = %q", reason)
	}
}

func TestDistinctPatchesDoNotTerminate(t *testing.T) {
	h := newHeuristics()
	h.recordAttempt("diff one", true)
	h.recordAttempt("diff two", true)
	h.recordAttempt("diff three", true)
	if stop, reason := h.shouldTerminate(); stop {
		t.Errorf("terminated on distinct successes: %s", reason)
	}
}

func TestResetClearsState(t *testing.T) {
	h := newHeuristics()
	for i := 0; i < minStepsBeforeTermination; i++ {
		h.recordAttempt(fmt.Sprintf("failing diff %d", i), false)
	}
	if stop, _ := h.shouldTerminate(); !stop {
		t.Fatal("precondition: should terminate")
	}
	h.reset()
	if stop, _ := h.shouldTerminate(); stop {
		t.Error("terminated after reset")
	}
}
