package controller

import (
	"crypto/sha256"
	"fmt"
	"sync"
)

// Termination heuristic defaults: stop burning compute when the run is
// clearly going nowhere.
const (
	minStepsBeforeTermination = 3
	maxConsecutiveFailures    = 5
	maxSimilarPatches         = 3
	minSuccessRate            = 0.05
	patchHashWindow           = 20
)

// heuristics tracks attempt history and decides when to cut a run short.
type heuristics struct {
	mu                  sync.Mutex
	patchHashes         []string
	consecutiveFailures int
	totalAttempts       int
	successfulAttempts  int
}

func newHeuristics() *heuristics {
	return &heuristics{}
}

// recordAttempt notes one patch evaluation.
func (h *heuristics) recordAttempt(patch string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalAttempts++
	if success {
		h.successfulAttempts++
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
	}

	sum := sha256.Sum256([]byte(patch))
	h.patchHashes = append(h.patchHashes, fmt.Sprintf("%x", sum[:8]))
	if len(h.patchHashes) > patchHashWindow {
		h.patchHashes = h.patchHashes[len(h.patchHashes)-patchHashWindow:]
	}
}

// shouldTerminate reports whether the run should stop early, with a reason.
func (h *heuristics) shouldTerminate() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consecutiveFailures >= maxConsecutiveFailures {
		return true, fmt.Sprintf("too many consecutive failures (%d)", h.consecutiveFailures)
	}

	if len(h.patchHashes) >= maxSimilarPatches {
		recent := h.patchHashes[len(h.patchHashes)-maxSimilarPatches:]
		identical := true
		for _, hash := range recent[1:] {
			if hash != recent[0] {
				identical = false
				break
			}
		}
		if identical {
			return true, "repeated identical patches"
		}
	}

	if h.totalAttempts >= minStepsBeforeTermination {
		rate := float64(h.successfulAttempts) / float64(h.totalAttempts)
		if rate < minSuccessRate {
			return true, fmt.Sprintf("success rate too low (%.1f%%)", rate*100)
		}
	}

	return false, ""
}

func (h *heuristics) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patchHashes = nil
	h.consecutiveFailures = 0
	h.totalAttempts = 0
	h.successfulAttempts = 0
}
