package observability

import "time"

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelInfo represents informational events such as steady power or a completed transition.
	LevelInfo Level = "info"
	// LevelWarn marks outage progress and anything an operator should read after the fact.
	LevelWarn Level = "warn"
	// LevelError captures failed actions and broken ticks.
	LevelError Level = "error"
)

// Event models a structured log entry emitted by the monitor components.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Node      string                 `json:"node,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a shallow copy of the event with its own fields map.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}
