// Package policy chooses among candidate actions with a Thompson-sampling
// bandit. One arm exists per distinct action identity; each arm's evidence
// is the cumulative success/failure count from the learning store, giving
// a Beta(s+1, f+1) posterior. Sampling is driven by a seeded generator, so
// identical history plus an identical seed reproduces the same choices.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/basket/rfsn/internal/audit"
	"github.com/basket/rfsn/internal/bus"
	"github.com/basket/rfsn/internal/learning"
)

// Mode controls how the bandit participates in selection. Modes are set by
// configuration, never inferred from observed behavior.
type Mode string

const (
	// ModeObserve records outcomes but selects in fixed default order.
	ModeObserve Mode = "observe"
	// ModeActive lets posterior sampling drive selection and records updates.
	ModeActive Mode = "active"
	// ModeLocked disables the bandit entirely: no selection influence, no updates.
	ModeLocked Mode = "locked"
)

// Selection is the outcome of one Select call.
type Selection struct {
	ActionID string
	Sample   float64
	Sampled  bool // false when fixed default order decided
}

// Bandit selects actions for one context fingerprint. Updates are
// serialized; concurrent observers never interleave a single arm's counts.
type Bandit struct {
	mode        Mode
	fingerprint string
	store       *learning.Store
	logger      *slog.Logger
	events      *bus.Bus

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a bandit over the given learning store. The seed fixes the
// sampling stream; two runs with equal seeds and equal stores select alike.
func New(mode Mode, seed int64, fingerprint string, store *learning.Store, logger *slog.Logger, events *bus.Bus) *Bandit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bandit{
		mode:        mode,
		fingerprint: fingerprint,
		store:       store,
		logger:      logger,
		events:      events,
		rng:         rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
	}
}

// Mode returns the configured mode.
func (b *Bandit) Mode() Mode { return b.mode }

// Select picks one action from candidates. In Active mode one posterior
// sample is drawn per eligible arm and the maximum wins, ties resolved
// toward the lexicographically first arm; Observe and Locked fall back to
// the fixed default order (first candidate as given).
func (b *Bandit) Select(ctx context.Context, candidates []string) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("no candidate actions")
	}

	if b.mode != ModeActive {
		sel := Selection{ActionID: candidates[0]}
		b.publishSelection(sel)
		return sel, nil
	}

	counts, err := b.store.ArmCounts(ctx, b.fingerprint)
	if err != nil {
		return Selection{}, fmt.Errorf("load arm counts: %w", err)
	}

	ordered := append([]string(nil), candidates...)
	sort.Strings(ordered)

	b.mu.Lock()
	best := Selection{Sample: math.Inf(-1), Sampled: true}
	for _, id := range ordered {
		c := counts[id]
		sample := sampleBeta(b.rng, c.Successes+1, c.Failures+1)
		if sample > best.Sample {
			best.ActionID = id
			best.Sample = sample
		}
	}
	b.mu.Unlock()

	b.publishSelection(best)
	return best, nil
}

// Observe records one verification outcome against exactly one arm.
// Locked mode drops the update.
func (b *Bandit) Observe(ctx context.Context, actionID string, success bool) error {
	if b.mode == ModeLocked {
		return nil
	}
	err := b.store.RecordOutcome(ctx, learning.Outcome{
		ContextFingerprint: b.fingerprint,
		ActionID:           actionID,
		Success:            success,
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (b *Bandit) publishSelection(sel Selection) {
	audit.Record("bandit_selection", "select", sel.ActionID, string(b.mode))
	if b.events != nil {
		b.events.Publish(bus.TopicBanditSelected, bus.SelectionEvent{
			ArmID:  sel.ActionID,
			Sample: sel.Sample,
			Mode:   string(b.mode),
		})
	}
}

// sampleBeta draws from Beta(alpha, beta) for integer shapes via the
// gamma-sum identity: Gamma(k, 1) is a sum of k unit exponentials, and
// Beta(a, b) = Ga/(Ga+Gb).
func sampleBeta(rng *rand.Rand, alpha, beta int64) float64 {
	ga := sampleGamma(rng, alpha)
	gb := sampleGamma(rng, beta)
	return ga / (ga + gb)
}

func sampleGamma(rng *rand.Rand, shape int64) float64 {
	var sum float64
	for i := int64(0); i < shape; i++ {
		// 1-U lies in (0, 1]; log never sees zero.
		sum += -math.Log(1 - rng.Float64())
	}
	return sum
}
