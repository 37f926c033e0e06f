package outage

import (
	"time"

	"github.com/jcserv/homelab/pkg/config"
)

// Thresholds are the outage durations after which each tier transition becomes due. They are
// not assumed to be ordered.
type Thresholds struct {
	CordonPriority       time.Duration
	DrainPriority        time.Duration
	ShutdownPriority     time.Duration
	CordonDrainSecondary time.Duration
	ShutdownSecondary    time.Duration
}

// ThresholdsFromConfig resolves the configured thresholds.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	t := cfg.Thresholds
	return Thresholds{
		CordonPriority:       config.Seconds(t.CordonPrioritySec),
		DrainPriority:        config.Seconds(t.DrainPrioritySec),
		ShutdownPriority:     config.Seconds(t.ShutdownPrioritySec),
		CordonDrainSecondary: config.Seconds(t.CordonDrainSecondarySec),
		ShutdownSecondary:    config.Seconds(t.ShutdownSecondarySec),
	}
}

// Due reports the action a node in the given role and stage should attempt once elapsed has
// passed, together with the guard threshold for that action.
func (t Thresholds) Due(role Role, stage Stage, elapsed time.Duration) (Action, time.Duration, bool) {
	action, threshold, ok := t.next(role, stage)
	if !ok || elapsed < threshold {
		return "", threshold, false
	}
	return action, threshold, true
}

func (t Thresholds) next(role Role, stage Stage) (Action, time.Duration, bool) {
	switch role {
	case RolePriority:
		switch stage {
		case StageActive:
			return ActionCordon, t.CordonPriority, true
		case StageCordoned:
			return ActionDrain, t.DrainPriority, true
		case StageDrained:
			return ActionPowerOff, t.ShutdownPriority, true
		}
	case RoleSecondary:
		// Secondary nodes are cordoned and drained on the same guard.
		switch stage {
		case StageActive:
			return ActionCordon, t.CordonDrainSecondary, true
		case StageCordoned:
			return ActionDrain, t.CordonDrainSecondary, true
		case StageDrained:
			return ActionPowerOff, t.ShutdownSecondary, true
		}
	}
	return "", 0, false
}

// Horizon is the largest threshold, after which no further transition can become due.
func (t Thresholds) Horizon() time.Duration {
	max := t.CordonPriority
	for _, d := range []time.Duration{t.DrainPriority, t.ShutdownPriority, t.CordonDrainSecondary, t.ShutdownSecondary} {
		if d > max {
			max = d
		}
	}
	return max
}
