package actuator

import (
	"context"

	"github.com/jcserv/homelab/pkg/observability"
	"github.com/jcserv/homelab/pkg/outage"
)

// EventSink receives the events emitted by actuator decorators.
type EventSink func(context.Context, observability.Event)

type dryRun struct {
	inner outage.NodeActuator
	emit  EventSink
}

// DryRun logs every mutating action instead of performing it and reports success. Read-only
// queries are forwarded to inner when it is set; without inner every node reads as ready
// and schedulable.
func DryRun(inner outage.NodeActuator, emit EventSink) outage.NodeActuator {
	return &dryRun{inner: inner, emit: emit}
}

func (d *dryRun) would(ctx context.Context, action outage.Action, node string) error {
	if d.emit != nil {
		d.emit(ctx, observability.Event{
			Level:     observability.LevelInfo,
			Node:      node,
			Component: "actuator",
			Event:     "dry_run_action",
			Message:   "dry run: would " + string(action) + " node " + node,
			Fields:    map[string]interface{}{"action": string(action)},
		})
	}
	return nil
}

func (d *dryRun) Cordon(ctx context.Context, node string) error {
	return d.would(ctx, outage.ActionCordon, node)
}

func (d *dryRun) Uncordon(ctx context.Context, node string) error {
	return d.would(ctx, outage.ActionUncordon, node)
}

func (d *dryRun) Drain(ctx context.Context, node string) error {
	return d.would(ctx, outage.ActionDrain, node)
}

func (d *dryRun) PowerOff(ctx context.Context, node string) error {
	return d.would(ctx, outage.ActionPowerOff, node)
}

func (d *dryRun) IsReady(ctx context.Context, node string) (bool, error) {
	if d.inner == nil {
		return true, nil
	}
	return d.inner.IsReady(ctx, node)
}

func (d *dryRun) IsSchedulingDisabled(ctx context.Context, node string) (bool, error) {
	if d.inner == nil {
		return false, nil
	}
	return d.inner.IsSchedulingDisabled(ctx, node)
}

type skipShutdown struct {
	outage.NodeActuator
	emit EventSink
}

// SkipShutdown performs every action except power-off, which is logged and reported as
// successful so the node is still recorded as shut down.
func SkipShutdown(inner outage.NodeActuator, emit EventSink) outage.NodeActuator {
	return &skipShutdown{NodeActuator: inner, emit: emit}
}

func (s *skipShutdown) PowerOff(ctx context.Context, node string) error {
	if s.emit != nil {
		s.emit(ctx, observability.Event{
			Level:     observability.LevelWarn,
			Node:      node,
			Component: "actuator",
			Event:     "power_off_skipped",
			Message:   "skip_shutdown: would power off node " + node,
			Fields:    map[string]interface{}{"action": string(outage.ActionPowerOff)},
		})
	}
	return nil
}
