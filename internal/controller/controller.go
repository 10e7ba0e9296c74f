// Package controller wires the verification machinery together and drives
// a plan to completion: sessions come from the pool, patches go through
// hygiene and the verifier, outcomes feed the bandit and the learning
// store, and the planner decides what runs next.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/rfsn/internal/allowlist"
	"github.com/basket/rfsn/internal/audit"
	"github.com/basket/rfsn/internal/bus"
	"github.com/basket/rfsn/internal/config"
	"github.com/basket/rfsn/internal/cron"
	"github.com/basket/rfsn/internal/hygiene"
	"github.com/basket/rfsn/internal/learning"
	rfsnotel "github.com/basket/rfsn/internal/otel"
	"github.com/basket/rfsn/internal/planfile"
	"github.com/basket/rfsn/internal/planner"
	"github.com/basket/rfsn/internal/policy"
	"github.com/basket/rfsn/internal/pool"
	"github.com/basket/rfsn/internal/repoindex"
	"github.com/basket/rfsn/internal/sandbox"
	"github.com/basket/rfsn/internal/shared"
	"github.com/basket/rfsn/internal/verify"
)

// ErrTerminatedEarly reports that the termination heuristics stopped the
// run before the plan reached its natural end.
var ErrTerminatedEarly = errors.New("run terminated early")

// Deps carries injectable collaborators. Zero values get production
// defaults; tests substitute a LocalRunner and an in-memory bus.
type Deps struct {
	Logger  *slog.Logger
	Events  *bus.Bus
	Runner  sandbox.Runner
	Metrics *rfsnotel.Metrics
	Tracer  trace.Tracer
}

// Controller owns one run over one repository.
type Controller struct {
	cfg         config.Config
	logger      *slog.Logger
	events      *bus.Bus
	pool        *pool.Pool
	verifier    *verify.Verifier
	store       *learning.Store
	bandit      *policy.Bandit
	metrics     *rfsnotel.Metrics
	tracer      trace.Tracer
	sweeps      *cron.Scheduler
	heur        *heuristics
	fingerprint string
}

// New builds a controller from config. The learning store is opened (and
// attached to the audit stream), the session pool pre-warmed, and the
// maintenance sweeps registered but not yet started.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = bus.New()
	}

	if err := audit.Init(cfg.OutputDir); err != nil {
		return nil, fmt.Errorf("open audit stream: %w", err)
	}

	store, err := learning.Open(cfg.LearningDBPath())
	if err != nil {
		return nil, fmt.Errorf("open learning store: %w", err)
	}
	audit.SetDB(store.DB())

	fingerprint := cfg.Fingerprint()
	if cfg.RepoIndexMode == config.RepoIndexOn {
		idx, err := repoindex.Build(ctx, cfg.RepoPath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build repo index: %w", err)
		}
		fingerprint = fingerprint + "-" + idx.Fingerprint
		logger.Info("repository indexed", "files", len(idx.Files), "fingerprint", idx.Fingerprint)
	}

	banditMode := policy.ModeObserve
	if cfg.PolicyMode == config.PolicyBandit {
		banditMode = policy.ModeActive
	}
	bandit := policy.New(banditMode, cfg.Seed, fingerprint, store, logger, events)

	runner := deps.Runner
	if runner == nil {
		dockerRunner, err := sandbox.NewDockerRunner(cfg.Sandbox, cfg.NetworkAccess)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("docker runner: %w", err)
		}
		runner = dockerRunner
	}

	worktreeDir := filepath.Join(cfg.OutputDir, "worktrees")
	if err := os.MkdirAll(worktreeDir, 0o755); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create worktree dir: %w", err)
	}
	sessions, err := pool.New(ctx,
		pool.WorktreeFactory(runner, cfg.RepoPath, worktreeDir, cfg.ColdStartTimeout()),
		pool.Config{
			Capacity:  cfg.MaxParallelPatches,
			WarmFloor: cfg.Sandbox.WarmSessions,
			LeaseWait: cfg.LeaseWait(),
		}, logger, events)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("session pool: %w", err)
	}

	gate := allowlist.New(cfg.Allowlist)
	validator := hygiene.New(cfg.Hygiene)
	verifier := verify.New(validator, gate, cfg.TestCommand, cfg.TestTimeout(), logger, events)

	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		events:      events,
		pool:        sessions,
		verifier:    verifier,
		store:       store,
		bandit:      bandit,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		heur:        newHeuristics(),
		fingerprint: fingerprint,
	}

	c.sweeps = cron.NewScheduler(cron.Config{Logger: logger, Interval: 30 * time.Second})
	if err := c.sweeps.AddJob("learning-flush", "* * * * *", store.Flush); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	if err := c.sweeps.AddJob("pool-replenish", "* * * * *", func(jobCtx context.Context) error {
		idle, leased, total := sessions.Stats()
		logger.Debug("pool occupancy", "idle", idle, "leased", leased, "total", total)
		return sessions.Replenish(jobCtx)
	}); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	return c, nil
}

// Run loads the plan and drives it to a terminal state.
func (c *Controller) Run(ctx context.Context) error {
	if c.cfg.PlanFile == "" {
		return fmt.Errorf("no plan file configured")
	}
	plan, err := planfile.Load(c.cfg.PlanFile)
	if err != nil {
		return err
	}
	runID := shared.NewRunID()
	ctx = shared.WithTraceID(shared.WithRunID(ctx, runID), shared.NewTraceID())
	c.logger.Info("run started",
		"run_id", runID,
		"goal", plan.Goal,
		"nodes", len(plan.Nodes),
		"policy_mode", c.cfg.PolicyMode,
		"planner_mode", c.cfg.PlannerMode,
		"fingerprint", c.fingerprint)

	c.sweeps.Start(ctx)
	defer c.sweeps.Stop()

	metricsDone := c.bridgeMetrics(ctx)
	defer metricsDone()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var runErr error
	if c.cfg.PlannerMode == config.PlannerDAG {
		runErr = c.runDAG(runCtx, cancelRun, plan)
	} else {
		runErr = c.runSerial(runCtx, plan)
	}

	if flushErr := c.store.Flush(context.WithoutCancel(ctx)); flushErr != nil && runErr == nil {
		runErr = flushErr
	}
	c.logger.Info("run finished", "denials", audit.DenyCount(), "error", runErr)
	return runErr
}

// runDAG schedules nodes over the dependency graph, bounded by the pool.
func (c *Controller) runDAG(ctx context.Context, cancelRun context.CancelFunc, plan *planfile.Plan) error {
	graph, err := planner.NewGraph(plan.Nodes, c.events)
	if err != nil {
		return err
	}
	var terminated atomic.Bool
	sched := planner.NewScheduler(graph, func(nodeCtx context.Context, node *planner.Node) error {
		err := c.evaluateNode(nodeCtx, node)
		if stop, reason := c.heur.shouldTerminate(); stop {
			c.logger.Warn("termination heuristic fired", "reason", reason)
			audit.Record("termination", "stop", "", reason)
			terminated.Store(true)
			cancelRun()
		}
		return err
	}, c.cfg.MaxParallelPatches, c.logger)

	err = sched.Run(ctx)
	summary := graph.Summary()
	c.logger.Info("plan terminal",
		"done", summary[planner.StateDone],
		"failed", summary[planner.StateFailed],
		"blocked", summary[planner.StateBlocked])
	if terminated.Load() {
		return ErrTerminatedEarly
	}
	return err
}

// runSerial evaluates nodes one at a time. With the bandit active the next
// action is chosen by posterior sampling over the remaining candidates;
// otherwise plan order decides.
func (c *Controller) runSerial(ctx context.Context, plan *planfile.Plan) error {
	remaining := make(map[string]*planner.Node, len(plan.Nodes))
	var order []string
	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		remaining[node.ID] = node
		order = append(order, node.ID)
	}

	steps := 0
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.cfg.MaxSteps > 0 && steps >= c.cfg.MaxSteps {
			c.logger.Warn("step budget exhausted", "steps", steps)
			return ErrTerminatedEarly
		}

		var candidates []string
		for _, id := range order {
			if _, ok := remaining[id]; ok {
				candidates = append(candidates, id)
			}
		}
		sel, err := c.bandit.Select(ctx, candidates)
		if err != nil {
			return err
		}
		node := remaining[sel.ActionID]
		delete(remaining, sel.ActionID)
		steps++

		if err := c.evaluateNode(ctx, node); err != nil {
			c.logger.Info("node failed", "node_id", node.ID, "error", err)
		}
		if stop, reason := c.heur.shouldTerminate(); stop {
			c.logger.Warn("termination heuristic fired", "reason", reason)
			audit.Record("termination", "stop", "", reason)
			return ErrTerminatedEarly
		}
	}
	return nil
}

// evaluateNode leases a session, verifies the node's patch, records the
// outcome, and returns the session. A nil error means Verified.
func (c *Controller) evaluateNode(ctx context.Context, node *planner.Node) (err error) {
	ctx = shared.WithNodeID(shared.WithActionID(ctx, node.ActionID), node.ID)
	if c.tracer != nil {
		var span trace.Span
		ctx, span = rfsnotel.StartNode(ctx, c.tracer, node.ID)
		defer func() { rfsnotel.EndWithOutcome(span, outcomeLabel(err), err) }()
	}

	session, err := c.leaseWithRetry(ctx)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.SessionsInUse.Add(ctx, 1)
		defer c.metrics.SessionsInUse.Add(context.WithoutCancel(ctx), -1)
	}

	verifyCtx := ctx
	var vspan trace.Span
	if c.tracer != nil {
		verifyCtx, vspan = rfsnotel.StartVerification(ctx, c.tracer, node.ActionID, session.ID)
	}
	res, verr := c.verifier.Verify(verifyCtx, session, node.ActionID, node.Patch)
	if vspan != nil {
		rfsnotel.EndWithOutcome(vspan, string(res.Outcome), verr)
	}

	if ctx.Err() != nil {
		// Canceled mid-flight: the session may hold residue from a partial
		// apply, so it is destroyed, never released back for reuse.
		c.pool.Destroy(context.WithoutCancel(ctx), session)
		return ctx.Err()
	}
	if verr != nil {
		// Escape or dead session. Release discards destroyed sessions and
		// replenishes the floor.
		if errors.Is(verr, sandbox.ErrEscapeDetected) {
			c.events.Publish(bus.TopicEscapeDetected, session.ID)
			if c.metrics != nil {
				c.metrics.EscapesDetected.Add(ctx, 1)
			}
		}
		c.pool.Release(ctx, session)
		c.heur.recordAttempt(node.Patch, false)
		return verr
	}
	c.pool.Release(ctx, session)

	c.recordOutcome(ctx, node, res)

	if res.Outcome != verify.OutcomeVerified {
		return fmt.Errorf("node %s: %s", node.ID, res.Outcome)
	}
	return nil
}

// recordOutcome feeds exactly one arm update per executed verification and
// updates metrics. Denied and rejected candidates never ran, so they leave
// the posterior untouched.
func (c *Controller) recordOutcome(ctx context.Context, node *planner.Node, res verify.Result) {
	switch res.Outcome {
	case verify.OutcomeVerified, verify.OutcomeFailed, verify.OutcomeApplyError:
		if err := c.bandit.Observe(ctx, node.ActionID, res.Outcome.Success()); err != nil {
			c.logger.Warn("outcome record failed", "action_id", node.ActionID, "error", err)
		}
		if c.metrics != nil {
			c.metrics.OutcomesRecorded.Add(ctx, 1)
		}
		c.heur.recordAttempt(node.Patch, res.Outcome.Success())
	}
	if c.metrics != nil {
		c.metrics.VerificationsTotal.Add(ctx, 1)
		c.metrics.VerificationDuration.Record(ctx, res.Duration.Seconds())
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// leaseWithRetry handles pool exhaustion with bounded jittered backoff
// before surfacing the failure.
func (c *Controller) leaseWithRetry(ctx context.Context) (*sandbox.Session, error) {
	attempts := c.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := time.Duration(c.cfg.Retry.BaseDelayMS) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := time.Duration(c.cfg.Retry.MaxDelayMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		session, err := c.pool.Lease(ctx)
		if c.metrics != nil {
			c.metrics.LeaseWaitDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			return session, nil
		}
		lastErr = err
		if !errors.Is(err, pool.ErrResourceUnavailable) {
			return nil, err
		}

		delay := base << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
		c.logger.Info("pool exhausted, backing off",
			"attempt", attempt+1, "max_attempts", attempts, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// bridgeMetrics forwards deny/reject/pool events from the bus into the
// metric instruments. Returns a stop function.
func (c *Controller) bridgeMetrics(ctx context.Context) func() {
	if c.metrics == nil {
		return func() {}
	}
	sub := c.events.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicCommandDenied:
					c.metrics.CommandsDenied.Add(ctx, 1)
				case bus.TopicHygieneRejected:
					c.metrics.HygieneRejects.Add(ctx, 1)
				case bus.TopicSessionDestroyed:
					c.metrics.SessionsDestroyed.Add(ctx, 1)
				case bus.TopicSessionLeased:
					c.metrics.SessionsLeased.Add(ctx, 1)
				}
			}
		}
	}()
	return func() {
		c.events.Unsubscribe(sub)
		<-done
	}
}

// Close releases every resource the controller owns.
func (c *Controller) Close(ctx context.Context) error {
	if c.pool != nil {
		c.pool.Close(ctx)
	}
	audit.SetDB(nil)
	var err error
	if c.store != nil {
		err = c.store.Close()
	}
	if auditErr := audit.Close(); auditErr != nil && err == nil {
		err = auditErr
	}
	return err
}
