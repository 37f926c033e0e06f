package outage

import "context"

// NodeActuator performs lifecycle operations against a named node. Every call must be safe to
// repeat on a node that already reached the requested state.
type NodeActuator interface {
	Cordon(ctx context.Context, node string) error
	Uncordon(ctx context.Context, node string) error
	Drain(ctx context.Context, node string) error
	PowerOff(ctx context.Context, node string) error
	IsReady(ctx context.Context, node string) (bool, error)
	IsSchedulingDisabled(ctx context.Context, node string) (bool, error)
}
