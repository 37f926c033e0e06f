package outage

import "fmt"

// Role is the degradation tier a node belongs to. It is fixed for the lifetime of the process.
type Role uint8

const (
	// RoleCritical nodes are never touched.
	RoleCritical Role = iota + 1
	// RolePriority nodes degrade first; they host local persistent storage.
	RolePriority
	// RoleSecondary nodes degrade after the priority tier.
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RoleCritical:
		return "critical"
	case RolePriority:
		return "priority"
	case RoleSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// Stage is how far a node has been degraded during the current outage.
type Stage uint8

const (
	StageActive Stage = iota
	StageCordoned
	StageDrained
	StageShutDown
)

func (s Stage) String() string {
	switch s {
	case StageActive:
		return "active"
	case StageCordoned:
		return "cordoned"
	case StageDrained:
		return "drained"
	case StageShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if s > StageShutDown {
		return nil, fmt.Errorf("invalid stage %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStage converts the textual form produced by String back into a Stage.
func ParseStage(v string) (Stage, error) {
	for _, s := range []Stage{StageActive, StageCordoned, StageDrained, StageShutDown} {
		if s.String() == v {
			return s, nil
		}
	}
	return StageActive, fmt.Errorf("unknown stage %q", v)
}

// Action is a single node operation that moves a node to its next stage.
type Action string

const (
	ActionCordon   Action = "cordon"
	ActionDrain    Action = "drain"
	ActionPowerOff Action = "power_off"
	ActionUncordon Action = "uncordon"
)

// Target returns the stage a successful action leads to. Uncordon has no forward target.
func (a Action) Target() (Stage, bool) {
	switch a {
	case ActionCordon:
		return StageCordoned, true
	case ActionDrain:
		return StageDrained, true
	case ActionPowerOff:
		return StageShutDown, true
	default:
		return StageActive, false
	}
}
