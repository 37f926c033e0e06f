package outage

import (
	"errors"
	"fmt"
)

// ErrStageOrder is returned when a transition would skip or revisit a stage.
var ErrStageOrder = errors.New("outage: stage transition out of order")

// NodeLifecycle tracks one node's degradation progress within an outage epoch.
type NodeLifecycle struct {
	Name      string
	Role      Role
	Stage     Stage
	LastError error
	// Attempts counts failed attempts of the transition currently pending.
	Attempts int
}

// Advance moves the node exactly one stage forward and clears the last error.
func (n *NodeLifecycle) Advance(to Stage) error {
	if n.Role == RoleCritical {
		return fmt.Errorf("%w: %s is critical", ErrStageOrder, n.Name)
	}
	if to != n.Stage+1 {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrStageOrder, n.Name, n.Stage, to)
	}
	n.Stage = to
	n.LastError = nil
	n.Attempts = 0
	return nil
}

// Fail records a failed attempt without changing the stage.
func (n *NodeLifecycle) Fail(err error) {
	n.LastError = err
	n.Attempts++
}

// Reset returns the node to Active.
func (n *NodeLifecycle) Reset() {
	n.Stage = StageActive
	n.LastError = nil
	n.Attempts = 0
}
