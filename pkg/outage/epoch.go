package outage

import (
	"time"
)

// Epoch is one continuous outage: when it started and how far every non-critical node has
// been degraded since.
type Epoch struct {
	StartedAt time.Time

	nodes       map[string]*NodeLifecycle
	order       []string
	lastElapsed time.Duration
}

// NewEpoch starts tracking an outage that began at startedAt. Every roster member starts
// Active; the critical node is never part of an epoch.
func NewEpoch(startedAt time.Time, roster Roster) *Epoch {
	e := &Epoch{
		StartedAt: startedAt,
		nodes:     make(map[string]*NodeLifecycle),
	}
	for _, m := range roster.Members() {
		e.nodes[m.Name] = &NodeLifecycle{Name: m.Name, Role: m.Role, Stage: StageActive}
		e.order = append(e.order, m.Name)
	}
	return e
}

// Elapsed returns the outage duration at now. The value never decreases across calls, even if
// the wall clock steps backwards.
func (e *Epoch) Elapsed(now time.Time) time.Duration {
	d := now.Sub(e.StartedAt)
	if d < e.lastElapsed {
		d = e.lastElapsed
	}
	if d < 0 {
		d = 0
	}
	e.lastElapsed = d
	return d
}

// Nodes returns the tracked nodes, priority tier first.
func (e *Epoch) Nodes() []*NodeLifecycle {
	out := make([]*NodeLifecycle, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.nodes[name])
	}
	return out
}

// Node returns the lifecycle for name, or nil if it is not tracked.
func (e *Epoch) Node(name string) *NodeLifecycle {
	return e.nodes[name]
}

// Touched reports whether any node has left Active.
func (e *Epoch) Touched() bool {
	for _, n := range e.nodes {
		if n.Stage != StageActive {
			return true
		}
	}
	return false
}

// Reset returns every tracked node to Active. It is called when the epoch ends.
func (e *Epoch) Reset() {
	for _, n := range e.nodes {
		n.Reset()
	}
}

// Snapshot is the persistable form of an epoch.
type Snapshot struct {
	StartedAt time.Time        `json:"started_at"`
	Stages    map[string]Stage `json:"stages"`
}

// Snapshot captures the epoch for persistence.
func (e *Epoch) Snapshot() Snapshot {
	s := Snapshot{StartedAt: e.StartedAt, Stages: make(map[string]Stage, len(e.nodes))}
	for name, n := range e.nodes {
		s.Stages[name] = n.Stage
	}
	return s
}

// RestoreEpoch rebuilds an epoch from a snapshot. Nodes are taken from the current roster;
// persisted stages of nodes no longer in the roster are ignored.
func RestoreEpoch(s Snapshot, roster Roster) *Epoch {
	e := NewEpoch(s.StartedAt, roster)
	for name, stage := range s.Stages {
		if n, ok := e.nodes[name]; ok && stage <= StageShutDown {
			n.Stage = stage
		}
	}
	return e
}
