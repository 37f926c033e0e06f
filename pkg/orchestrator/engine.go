package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jcserv/homelab/pkg/observability"
	"github.com/jcserv/homelab/pkg/outage"
)

// Attempt records one actuator call made by the phase engine.
type Attempt struct {
	Node      string
	Role      outage.Role
	Action    outage.Action
	Threshold time.Duration
	Duration  time.Duration
	Err       error
}

// AdvanceResult summarises one engine pass over an epoch.
type AdvanceResult struct {
	Elapsed  time.Duration
	Attempts []Attempt
	// Changed is true when at least one node moved to a later stage.
	Changed bool
}

// Failed returns the attempts that did not succeed.
func (r AdvanceResult) Failed() []Attempt {
	var failed []Attempt
	for _, a := range r.Attempts {
		if a.Err != nil {
			failed = append(failed, a)
		}
	}
	return failed
}

// PhaseEngine drives due node transitions for an outage epoch. Transitions are edge
// triggered: a node whose stage already reflects an action is never asked to repeat it, and
// a failed action is retried on the next pass because the stage did not move.
type PhaseEngine struct {
	thresholds outage.Thresholds
	actuator   outage.NodeActuator
	reporter   Reporter
	timeout    time.Duration
	now        func() time.Time
}

// EngineOption customises the phase engine.
type EngineOption func(*PhaseEngine)

// WithEngineReporter routes transition events and metrics to reporter.
func WithEngineReporter(reporter Reporter) EngineOption {
	return func(e *PhaseEngine) {
		e.reporter = reporter
	}
}

// WithActionTimeout bounds every actuator call. Zero disables the bound.
func WithActionTimeout(d time.Duration) EngineOption {
	return func(e *PhaseEngine) {
		e.timeout = d
	}
}

// WithEngineTimeSource overrides the clock used to time actuator calls.
func WithEngineTimeSource(fn func() time.Time) EngineOption {
	return func(e *PhaseEngine) {
		e.now = fn
	}
}

// NewPhaseEngine builds an engine for the given thresholds and actuator.
func NewPhaseEngine(thresholds outage.Thresholds, actuator outage.NodeActuator, opts ...EngineOption) (*PhaseEngine, error) {
	if actuator == nil {
		return nil, errors.New("node actuator must not be nil")
	}
	e := &PhaseEngine{
		thresholds: thresholds,
		actuator:   actuator,
		reporter:   NoopReporter{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = NoopReporter{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Thresholds returns the configured thresholds.
func (e *PhaseEngine) Thresholds() outage.Thresholds {
	return e.thresholds
}

// Advance attempts every transition that is due at elapsed. Each node may take several steps
// in one pass (a secondary node is cordoned and drained together); a failure stops that
// node's chain until the next pass. Critical nodes are never evaluated.
func (e *PhaseEngine) Advance(ctx context.Context, elapsed time.Duration, epoch *outage.Epoch) AdvanceResult {
	result := AdvanceResult{Elapsed: elapsed}
	if epoch == nil {
		return result
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, node := range epoch.Nodes() {
		if node.Role == outage.RoleCritical {
			continue
		}
		for {
			if ctx.Err() != nil {
				return result
			}
			action, threshold, due := e.thresholds.Due(node.Role, node.Stage, elapsed)
			if !due {
				break
			}
			target, _ := action.Target()

			attempt := e.attempt(ctx, node, action, threshold)
			if attempt.Err == nil {
				if err := node.Advance(target); err != nil {
					attempt.Err = err
				}
			}
			if attempt.Err != nil {
				node.Fail(attempt.Err)
			} else {
				result.Changed = true
			}
			result.Attempts = append(result.Attempts, attempt)
			e.record(ctx, node, attempt, elapsed)

			if attempt.Err != nil {
				break
			}
		}
	}
	return result
}

func (e *PhaseEngine) attempt(ctx context.Context, node *outage.NodeLifecycle, action outage.Action, threshold time.Duration) Attempt {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := e.now()
	var err error
	switch action {
	case outage.ActionCordon:
		err = e.actuator.Cordon(callCtx, node.Name)
	case outage.ActionDrain:
		err = e.actuator.Drain(callCtx, node.Name)
	case outage.ActionPowerOff:
		err = e.actuator.PowerOff(callCtx, node.Name)
	default:
		err = fmt.Errorf("unsupported action %q", action)
	}
	if err != nil {
		err = fmt.Errorf("%s %s: %w", action, node.Name, err)
	}

	return Attempt{
		Node:      node.Name,
		Role:      node.Role,
		Action:    action,
		Threshold: threshold,
		Duration:  e.now().Sub(start),
		Err:       err,
	}
}

func (e *PhaseEngine) record(ctx context.Context, node *outage.NodeLifecycle, attempt Attempt, elapsed time.Duration) {
	result := "success"
	level := observability.LevelWarn
	fields := map[string]interface{}{
		"role":          attempt.Role.String(),
		"action":        string(attempt.Action),
		"elapsed_sec":   int64(elapsed / time.Second),
		"threshold_sec": int64(attempt.Threshold / time.Second),
		"stage":         node.Stage.String(),
	}
	message := fmt.Sprintf("%s %s after %s without power", attempt.Action, node.Name, elapsed.Truncate(time.Second))
	if attempt.Err != nil {
		result = "failure"
		level = observability.LevelError
		fields["error"] = attempt.Err.Error()
		fields["attempts"] = node.Attempts
		message = fmt.Sprintf("%s %s failed, will retry next poll", attempt.Action, node.Name)
	}
	fields["result"] = result

	e.reporter.RecordMetric(observability.Metric{
		Name:        "node_transitions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"action": string(attempt.Action), "role": attempt.Role.String(), "result": result},
		Description: "Node transitions attempted during outages grouped by action, role and result.",
	})
	e.reporter.RecordMetric(observability.Metric{
		Name:        "node_action_seconds",
		Type:        observability.MetricHistogram,
		Value:       attempt.Duration.Seconds(),
		Labels:      map[string]string{"action": string(attempt.Action), "result": result},
		Description: "Latency of node actuator calls.",
		Unit:        "seconds",
	})
	e.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Node:    node.Name,
		Event:   "node_transition",
		Message: message,
		Fields:  fields,
	})
}
