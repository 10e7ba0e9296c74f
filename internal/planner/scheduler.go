package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// NodeRunner evaluates one node. A nil error marks the node Done; any
// error marks it Failed and blocks its dependents.
type NodeRunner func(ctx context.Context, node *Node) error

// Scheduler dispatches Ready nodes concurrently, bounded by maxParallel
// (the session pool capacity). One invocation drives the graph to its
// terminal state.
type Scheduler struct {
	graph       *Graph
	runner      NodeRunner
	maxParallel int
	logger      *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewScheduler builds a scheduler over the graph.
func NewScheduler(graph *Graph, runner NodeRunner, maxParallel int, logger *slog.Logger) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		graph:       graph,
		runner:      runner,
		maxParallel: maxParallel,
		logger:      logger,
		cancels:     make(map[string]context.CancelFunc),
	}
}

type nodeResult struct {
	id  string
	err error
}

// Run drives the graph until terminal or the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	results := make(chan nodeResult)
	inFlight := 0

	for {
		if ctx.Err() != nil {
			s.drain(results, inFlight)
			return ctx.Err()
		}

		for _, node := range s.graph.Ready() {
			if inFlight >= s.maxParallel {
				break
			}
			if err := s.graph.MarkRunning(node.ID); err != nil {
				continue
			}
			inFlight++
			s.dispatch(ctx, node, results)
		}

		if inFlight == 0 {
			if s.graph.Terminal() {
				return nil
			}
			// Nothing running and nothing ready, but the graph is not
			// terminal: the plan is wedged. Should be unreachable given
			// acyclic validation.
			return fmt.Errorf("plan stalled with no ready or running nodes")
		}

		select {
		case <-ctx.Done():
			s.drain(results, inFlight)
			return ctx.Err()
		case res := <-results:
			inFlight--
			s.finish(res)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, node *Node, results chan<- nodeResult) {
	nodeCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[node.ID] = cancel
	s.mu.Unlock()

	s.logger.Info("node dispatched", "node_id", node.ID, "goal", node.Goal)
	go func() {
		err := s.runner(nodeCtx, node)
		cancel()
		s.mu.Lock()
		delete(s.cancels, node.ID)
		s.mu.Unlock()
		results <- nodeResult{id: node.ID, err: err}
	}()
}

func (s *Scheduler) finish(res nodeResult) {
	if res.err == nil {
		if err := s.graph.MarkDone(res.id); err != nil {
			s.logger.Warn("mark done failed", "node_id", res.id, "error", err)
		}
		return
	}

	s.logger.Info("node failed", "node_id", res.id, "error", res.err)
	_, running, err := s.graph.MarkFailed(res.id)
	if err != nil {
		s.logger.Warn("mark failed errored", "node_id", res.id, "error", err)
		return
	}
	// Invalidate any in-flight evaluation downstream of the failure. The
	// runner owns destroying (not releasing) the canceled session.
	s.mu.Lock()
	for _, id := range running {
		if cancel, ok := s.cancels[id]; ok {
			cancel()
		}
	}
	s.mu.Unlock()
}

// drain collects outstanding results after cancellation so worker
// goroutines never block on the results channel.
func (s *Scheduler) drain(results <-chan nodeResult, inFlight int) {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	for i := 0; i < inFlight; i++ {
		res := <-results
		if res.err != nil {
			_, _, _ = s.graph.MarkFailed(res.id)
		} else {
			_ = s.graph.MarkDone(res.id)
		}
	}
}
