// Package planner schedules sub-goal nodes over a dependency graph. A node
// runs once every dependency is Done; a failure marks every transitive
// dependent Blocked, and the rest of the graph keeps scheduling normally.
package planner

import (
	"fmt"
	"sync"

	"github.com/basket/rfsn/internal/bus"
)

// NodeState is a node's scheduling state.
type NodeState string

const (
	StatePending NodeState = "pending"
	StateReady   NodeState = "ready"
	StateRunning NodeState = "running"
	StateDone    NodeState = "done"
	StateFailed  NodeState = "failed"
	StateBlocked NodeState = "blocked"
)

// Terminal reports whether a node is finished scheduling.
func (s NodeState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateBlocked
}

// Node is one sub-goal in the plan.
type Node struct {
	ID        string
	Goal      string
	ActionID  string
	Patch     string
	DependsOn []string

	state NodeState
}

// State returns the node's current state. Only valid while the owning
// graph's lock is not required, i.e. through Graph accessors.
func (n *Node) State() NodeState { return n.state }

// Graph tracks node states and readiness.
type Graph struct {
	mu         sync.Mutex
	nodes      map[string]*Node
	order      []string
	dependents map[string][]string
	events     *bus.Bus
	terminal   bool
}

// NewGraph validates the node set (unique IDs, known dependencies, no
// cycles) and computes initial readiness.
func NewGraph(nodes []Node, events *bus.Bus) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("plan has no nodes")
	}

	g := &Graph{
		nodes:      make(map[string]*Node, len(nodes)),
		dependents: make(map[string][]string),
		events:     events,
	}
	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		n.state = StatePending
		g.nodes[n.ID] = &n
		g.order = append(g.order, n.ID)
	}
	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	for _, id := range g.order {
		g.recomputeReadiness(id)
	}
	g.mu.Unlock()
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the full graph.
func (g *Graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].DependsOn)
	}
	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.nodes) {
		return fmt.Errorf("plan contains a dependency cycle")
	}
	return nil
}

// Ready returns the nodes currently in Ready state, in plan order.
func (g *Graph) Ready() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ready []*Node
	for _, id := range g.order {
		if g.nodes[id].state == StateReady {
			ready = append(ready, g.nodes[id])
		}
	}
	return ready
}

// Get returns the node with the given id, or nil.
func (g *Graph) Get(id string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[id]
}

// MarkRunning transitions Ready → Running.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	if n.state != StateReady {
		return fmt.Errorf("node %q not ready (state %s)", id, n.state)
	}
	g.setState(n, StateRunning)
	return nil
}

// MarkDone finishes a node successfully and recomputes dependents'
// readiness.
func (g *Graph) MarkDone(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	g.setState(n, StateDone)
	for _, dep := range g.dependents[id] {
		g.recomputeReadiness(dep)
	}
	g.checkTerminal()
	return nil
}

// MarkFailed fails a node and blocks every node reachable from it through
// dependency edges. Returns the ids that became Blocked plus any reachable
// nodes still Running, which the caller should cancel.
func (g *Graph) MarkFailed(id string) (blocked, running []string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, nil, fmt.Errorf("unknown node %q", id)
	}
	g.setState(n, StateFailed)

	queue := append([]string(nil), g.dependents[id]...)
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		dep := g.nodes[next]
		switch {
		case dep.state == StateRunning:
			running = append(running, next)
		case !dep.state.Terminal():
			g.setState(dep, StateBlocked)
			blocked = append(blocked, next)
		}
		queue = append(queue, g.dependents[next]...)
	}
	g.checkTerminal()
	return blocked, running, nil
}

// recomputeReadiness promotes a Pending node to Ready when every
// dependency is Done. Caller holds the lock.
func (g *Graph) recomputeReadiness(id string) {
	n := g.nodes[id]
	if n.state != StatePending {
		return
	}
	for _, dep := range n.DependsOn {
		if g.nodes[dep].state != StateDone {
			return
		}
	}
	g.setState(n, StateReady)
}

// Terminal reports whether scheduling is finished: nothing Ready or
// Running or Pending remains.
func (g *Graph) Terminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isTerminalLocked()
}

func (g *Graph) isTerminalLocked() bool {
	for _, n := range g.nodes {
		if !n.state.Terminal() {
			return false
		}
	}
	return true
}

func (g *Graph) checkTerminal() {
	if g.terminal || !g.isTerminalLocked() {
		return
	}
	g.terminal = true
	if g.events != nil {
		g.events.Publish(bus.TopicPlanTerminal, g.summaryLocked())
	}
}

// Summary counts nodes per state.
func (g *Graph) Summary() map[NodeState]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.summaryLocked()
}

func (g *Graph) summaryLocked() map[NodeState]int {
	summary := make(map[NodeState]int)
	for _, n := range g.nodes {
		summary[n.state]++
	}
	return summary
}

// StateOf returns one node's state.
func (g *Graph) StateOf(id string) (NodeState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.state, true
}

func (g *Graph) setState(n *Node, next NodeState) {
	prev := n.state
	n.state = next
	if g.events != nil && prev != next {
		g.events.Publish(bus.TopicNodeStateChanged, bus.NodeStateChangedEvent{
			NodeID:   n.ID,
			OldState: string(prev),
			NewState: string(next),
		})
	}
}
