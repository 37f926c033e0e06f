package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jcserv/homelab/pkg/observability"
	"github.com/jcserv/homelab/pkg/outage"
)

// RecoveryOutcome is the result of reconciling one node after power returned.
type RecoveryOutcome string

const (
	RecoveryUncordoned  RecoveryOutcome = "uncordoned"
	RecoveryNotReady    RecoveryOutcome = "not_ready"
	RecoverySchedulable RecoveryOutcome = "schedulable"
	RecoveryFailed      RecoveryOutcome = "failed"
)

// RecoveryNode describes what happened to one node during recovery.
type RecoveryNode struct {
	Node    string
	Outcome RecoveryOutcome
	Err     error
}

// RecoveryReport summarises a recovery pass.
type RecoveryReport struct {
	Waited time.Duration
	Nodes  []RecoveryNode
}

// Count returns how many nodes ended with outcome.
func (r RecoveryReport) Count(outcome RecoveryOutcome) int {
	n := 0
	for _, node := range r.Nodes {
		if node.Outcome == outcome {
			n++
		}
	}
	return n
}

// RecoveryCoordinator brings nodes back after an outage: it waits for powered-off hosts to
// boot, then uncordons every node that is ready but still unschedulable. It runs once per
// ended epoch and never retries a failed uncordon.
type RecoveryCoordinator struct {
	actuator outage.NodeActuator
	grace    time.Duration
	timeout  time.Duration
	reporter Reporter
	sleep    func(time.Duration)
}

// RecoveryOption customises the recovery coordinator.
type RecoveryOption func(*RecoveryCoordinator)

// WithRecoveryReporter routes recovery events and metrics to reporter.
func WithRecoveryReporter(reporter Reporter) RecoveryOption {
	return func(r *RecoveryCoordinator) {
		r.reporter = reporter
	}
}

// WithRecoverySleepFunc overrides the sleep used for the boot grace period.
func WithRecoverySleepFunc(fn func(time.Duration)) RecoveryOption {
	return func(r *RecoveryCoordinator) {
		r.sleep = fn
	}
}

// WithRecoveryActionTimeout bounds every actuator call made during recovery.
func WithRecoveryActionTimeout(d time.Duration) RecoveryOption {
	return func(r *RecoveryCoordinator) {
		r.timeout = d
	}
}

// NewRecoveryCoordinator builds a coordinator that waits grace before checking nodes.
func NewRecoveryCoordinator(actuator outage.NodeActuator, grace time.Duration, opts ...RecoveryOption) (*RecoveryCoordinator, error) {
	if actuator == nil {
		return nil, errors.New("node actuator must not be nil")
	}
	if grace < 0 {
		return nil, fmt.Errorf("boot grace must not be negative: %s", grace)
	}
	r := &RecoveryCoordinator{
		actuator: actuator,
		grace:    grace,
		reporter: NoopReporter{},
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reporter == nil {
		r.reporter = NoopReporter{}
	}
	if r.sleep == nil {
		r.sleep = time.Sleep
	}
	return r, nil
}

// Recover reconciles the nodes tracked by epoch. The grace period is skipped when no node
// left Active, since nothing was powered off. Individual node failures are reported and do not
// stop the pass; the only error returned is a cancelled context.
func (r *RecoveryCoordinator) Recover(ctx context.Context, epoch *outage.Epoch) (RecoveryReport, error) {
	var report RecoveryReport
	if epoch == nil {
		return report, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if epoch.Touched() && r.grace > 0 {
		r.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelInfo,
			Event:   "recovery_wait",
			Message: fmt.Sprintf("waiting %s for nodes to boot", r.grace),
			Fields:  map[string]interface{}{"grace_sec": int64(r.grace / time.Second)},
		})
		if err := sleepWithContext(ctx, r.sleep, r.grace); err != nil {
			return report, err
		}
		report.Waited = r.grace
	}

	for _, node := range epoch.Nodes() {
		if node.Role == outage.RoleCritical {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := r.recoverNode(ctx, node.Name)
		report.Nodes = append(report.Nodes, outcome)
		r.recordNode(ctx, node, outcome)
	}

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "recovery_complete",
		Message: "recovery pass finished",
		Fields: map[string]interface{}{
			"uncordoned":  report.Count(RecoveryUncordoned),
			"not_ready":   report.Count(RecoveryNotReady),
			"schedulable": report.Count(RecoverySchedulable),
			"failed":      report.Count(RecoveryFailed),
		},
	})
	return report, nil
}

func (r *RecoveryCoordinator) recoverNode(ctx context.Context, node string) RecoveryNode {
	callCtx, cancel := r.callContext(ctx)
	ready, err := r.actuator.IsReady(callCtx, node)
	cancel()
	if err != nil {
		return RecoveryNode{Node: node, Outcome: RecoveryFailed, Err: fmt.Errorf("readiness of %s: %w", node, err)}
	}
	if !ready {
		return RecoveryNode{Node: node, Outcome: RecoveryNotReady}
	}

	callCtx, cancel = r.callContext(ctx)
	disabled, err := r.actuator.IsSchedulingDisabled(callCtx, node)
	cancel()
	if err != nil {
		return RecoveryNode{Node: node, Outcome: RecoveryFailed, Err: fmt.Errorf("schedulability of %s: %w", node, err)}
	}
	if !disabled {
		return RecoveryNode{Node: node, Outcome: RecoverySchedulable}
	}

	callCtx, cancel = r.callContext(ctx)
	err = r.actuator.Uncordon(callCtx, node)
	cancel()
	if err != nil {
		return RecoveryNode{Node: node, Outcome: RecoveryFailed, Err: fmt.Errorf("uncordon %s: %w", node, err)}
	}
	return RecoveryNode{Node: node, Outcome: RecoveryUncordoned}
}

func (r *RecoveryCoordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RecoveryCoordinator) recordNode(ctx context.Context, node *outage.NodeLifecycle, outcome RecoveryNode) {
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"role":    node.Role.String(),
		"stage":   node.Stage.String(),
		"outcome": string(outcome.Outcome),
	}
	var message string
	switch outcome.Outcome {
	case RecoveryUncordoned:
		message = "node is ready, uncordoned"
	case RecoveryNotReady:
		level = observability.LevelWarn
		message = "node is not ready, leaving it cordoned"
	case RecoverySchedulable:
		message = "node is already schedulable"
	case RecoveryFailed:
		level = observability.LevelError
		fields["error"] = outcome.Err.Error()
		message = "recovery failed, fix manually"
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "recovery_nodes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": string(outcome.Outcome)},
		Description: "Nodes reconciled after power returned grouped by outcome.",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Node:    node.Name,
		Event:   "recovery_node",
		Message: message,
		Fields:  fields,
	})
}

func sleepWithContext(ctx context.Context, sleep func(time.Duration), d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
