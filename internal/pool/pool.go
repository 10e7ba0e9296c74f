// Package pool coordinates a bounded set of reusable sandbox sessions.
// A session is leased to at most one verification at a time; destroyed
// sessions are discarded and replaced asynchronously when the warm floor
// is undercut.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/rfsn/internal/audit"
	"github.com/basket/rfsn/internal/bus"
	"github.com/basket/rfsn/internal/sandbox"
)

// ErrResourceUnavailable is returned when no session frees up within the
// lease wait timeout. Callers retry with bounded backoff or go serial.
var ErrResourceUnavailable = errors.New("no sandbox session available")

// ErrClosed is returned once the pool has been shut down.
var ErrClosed = errors.New("pool closed")

// Factory provisions a fresh session worktree plus backend. The pool calls
// it for warm-up, on-demand growth, and replacement of destroyed sessions.
type Factory func(ctx context.Context) (*sandbox.Session, error)

// Config sizes the pool.
type Config struct {
	Capacity  int           // max concurrent sessions (N)
	WarmFloor int           // sessions kept provisioned (M <= N)
	LeaseWait time.Duration // how long Lease blocks before ResourceUnavailable
}

// Pool manages sessions and enforces the single-lease invariant.
type Pool struct {
	factory   Factory
	capacity  int
	warmFloor int
	leaseWait time.Duration
	logger    *slog.Logger
	events    *bus.Bus

	mu       sync.Mutex
	idle     []*sandbox.Session
	leased   map[string]*sandbox.Session
	total    int // idle + leased + being provisioned
	closed   bool
	notify   chan struct{}
	replaceW sync.WaitGroup
}

// New creates a pool and pre-warms WarmFloor sessions. Warm-up failures are
// logged, not fatal; sessions are then provisioned on demand.
func New(ctx context.Context, factory Factory, cfg Config, logger *slog.Logger, events *bus.Bus) (*Pool, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be >= 1, got %d", cfg.Capacity)
	}
	if cfg.WarmFloor > cfg.Capacity {
		return nil, fmt.Errorf("warm floor %d exceeds capacity %d", cfg.WarmFloor, cfg.Capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		factory:   factory,
		capacity:  cfg.Capacity,
		warmFloor: cfg.WarmFloor,
		leaseWait: cfg.LeaseWait,
		logger:    logger,
		events:    events,
		leased:    make(map[string]*sandbox.Session),
		notify:    make(chan struct{}, 1),
	}

	for i := 0; i < cfg.WarmFloor; i++ {
		s, err := factory(ctx)
		if err != nil {
			p.logger.Warn("warm-up provision failed", "error", err)
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, s)
		p.total++
		p.mu.Unlock()
	}
	return p, nil
}

// Lease hands out an idle session, provisioning a cold one when under
// capacity. Blocks up to the configured wait; then ErrResourceUnavailable.
func (p *Pool) Lease(ctx context.Context) (*sandbox.Session, error) {
	deadline := time.Now().Add(p.leaseWait)
	for {
		s, grow, err := p.tryAcquire()
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
		if grow {
			return p.provisionLeased(ctx)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.publish(bus.TopicLeaseTimeout, nil)
			audit.Record("pool_lease", "deny", "", "lease wait timeout")
			return nil, ErrResourceUnavailable
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			p.publish(bus.TopicLeaseTimeout, nil)
			audit.Record("pool_lease", "deny", "", "lease wait timeout")
			return nil, ErrResourceUnavailable
		case <-p.notify:
			timer.Stop()
		}
	}
}

// tryAcquire pops an idle session or signals that the caller may grow the
// pool. Returns (nil, false, nil) when the caller must wait.
func (p *Pool) tryAcquire() (*sandbox.Session, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrClosed
	}

	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if s.State() == sandbox.StateDestroyed {
			// Pruned lazily; replacement handled at destroy time.
			p.total--
			continue
		}
		if err := s.Lease(); err != nil {
			p.total--
			continue
		}
		p.leased[s.ID] = s
		p.publish(bus.TopicSessionLeased, s.ID)
		return s, false, nil
	}

	if p.total < p.capacity {
		p.total++ // reserve a slot for the cold provision
		return nil, true, nil
	}
	return nil, false, nil
}

func (p *Pool) provisionLeased(ctx context.Context) (*sandbox.Session, error) {
	s, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.wake()
		return nil, fmt.Errorf("cold provision: %w", err)
	}
	if err := s.Lease(); err != nil {
		s.Destroy(ctx)
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.wake()
		return nil, err
	}
	p.mu.Lock()
	p.leased[s.ID] = s
	p.mu.Unlock()
	p.publish(bus.TopicSessionLeased, s.ID)
	return s, nil
}

// Release returns a session to the idle set. A destroyed session is
// discarded instead and a replacement provisioned if the pool fell below
// the warm floor.
func (p *Pool) Release(ctx context.Context, s *sandbox.Session) {
	p.mu.Lock()
	delete(p.leased, s.ID)
	p.mu.Unlock()

	if s.State() == sandbox.StateDestroyed || s.Release() != nil {
		p.discard(ctx, s)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Destroy(ctx)
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.publish(bus.TopicSessionReleased, s.ID)
	p.wake()
}

// Destroy tears a session down immediately (escape, cancellation) and
// triggers floor replacement. The session never reenters the idle set.
func (p *Pool) Destroy(ctx context.Context, s *sandbox.Session) {
	p.mu.Lock()
	delete(p.leased, s.ID)
	p.mu.Unlock()
	s.Destroy(ctx)
	p.discard(ctx, s)
}

func (p *Pool) discard(ctx context.Context, s *sandbox.Session) {
	s.Destroy(ctx)
	_ = sandbox.RemoveWorktree(s.Root)
	p.publish(bus.TopicSessionDestroyed, s.ID)

	p.mu.Lock()
	p.total--
	needReplacement := !p.closed && p.total < p.warmFloor
	if needReplacement {
		p.total++ // reserve before the goroutine runs
	}
	p.mu.Unlock()
	p.wake()

	if !needReplacement {
		return
	}
	p.replaceW.Add(1)
	go func() {
		defer p.replaceW.Done()
		replacement, err := p.factory(context.WithoutCancel(ctx))
		p.mu.Lock()
		if err != nil || p.closed {
			p.total--
			p.mu.Unlock()
			if replacement != nil {
				replacement.Destroy(context.WithoutCancel(ctx))
			}
			if err != nil {
				p.logger.Warn("replacement provision failed", "error", err)
			}
			return
		}
		p.idle = append(p.idle, replacement)
		p.mu.Unlock()
		p.wake()
	}()
}

// Replenish provisions idle sessions until the pool is back at the warm
// floor. The maintenance sweep calls this to recover from replacement
// provisions that failed.
func (p *Pool) Replenish(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.warmFloor {
			p.mu.Unlock()
			return nil
		}
		p.total++ // reserve the slot before provisioning
		p.mu.Unlock()

		s, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return fmt.Errorf("replenish provision: %w", err)
		}

		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			s.Destroy(ctx)
			_ = sandbox.RemoveWorktree(s.Root)
			return nil
		}
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		p.wake()
	}
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() (idle, leased, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.leased), p.total
}

// Close destroys all idle sessions and rejects further leases. In-flight
// leased sessions are destroyed when returned.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		s.Destroy(ctx)
		_ = sandbox.RemoveWorktree(s.Root)
	}
	p.wake()
	p.replaceW.Wait()
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) publish(topic string, payload interface{}) {
	if p.events != nil {
		p.events.Publish(topic, payload)
	}
}

// WorktreeFactory builds the standard factory: clone the target repo into a
// fresh directory under baseDir and provision a session over it.
func WorktreeFactory(runner sandbox.Runner, repoPath, baseDir string, coldStart time.Duration) Factory {
	return func(ctx context.Context) (*sandbox.Session, error) {
		if coldStart > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, coldStart)
			defer cancel()
		}
		dest := filepath.Join(baseDir, "wt-"+uuid.NewString()[:8])
		if err := sandbox.CloneWorktree(ctx, repoPath, dest); err != nil {
			return nil, err
		}
		s, err := sandbox.New(ctx, runner, dest)
		if err != nil {
			_ = sandbox.RemoveWorktree(dest)
			return nil, err
		}
		return s, nil
	}
}
