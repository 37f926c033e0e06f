package sensor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jcserv/homelab/pkg/config"
)

// ErrTransport marks failures to obtain a reading at all, as opposed to a reading that says
// power is gone.
var ErrTransport = errors.New("sensor: transport failure")

// Status is one power observation.
type Status struct {
	Available bool
	RawState  string
	Simulated bool
}

// Source produces power observations.
type Source interface {
	Name() string
	Status(ctx context.Context) (Status, error)
}

// Available applies the availability rule to a raw sensor state: a numeric reading above zero
// means mains power is present; anything else, including unavailable, unknown, none and
// non-numeric states, means it is not.
func Available(raw string) bool {
	state := strings.ToLower(strings.TrimSpace(raw))
	switch state {
	case "", "unavailable", "unknown", "none":
		return false
	}
	power, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return false
	}
	return power > 0
}

// FromState builds a Status from a raw reading.
func FromState(raw string) Status {
	return Status{Available: Available(raw), RawState: strings.TrimSpace(raw)}
}

// NewFromConfig builds the configured source, wrapped for outage simulation when requested.
func NewFromConfig(cfg *config.Config) (Source, error) {
	var (
		src Source
		err error
	)
	switch cfg.Sensor.Type {
	case config.SensorHomeAssistant:
		src, err = NewHomeAssistant(HomeAssistantOptions{
			BaseURL: cfg.Sensor.URL,
			Token:   cfg.Sensor.Token,
			Entity:  cfg.Sensor.Entity,
			Timeout: cfg.SensorTimeout(),
		})
	case config.SensorCommand:
		src, err = NewCommand(cfg.Sensor.Cmd, cfg.SensorTimeout())
	default:
		return nil, fmt.Errorf("unsupported sensor type %q", cfg.Sensor.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.SimulateOutage() {
		src = Simulated(src)
	}
	return src, nil
}

type simulated struct {
	inner Source
}

// Simulated forces every observation from inner to read as unavailable. The inner source is
// still queried so transport problems remain visible.
func Simulated(inner Source) Source {
	return &simulated{inner: inner}
}

func (s *simulated) Name() string { return s.inner.Name() + " (simulated outage)" }

func (s *simulated) Status(ctx context.Context) (Status, error) {
	st, err := s.inner.Status(ctx)
	st.Available = false
	st.Simulated = true
	return st, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
