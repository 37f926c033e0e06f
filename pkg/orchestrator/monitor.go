package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jcserv/homelab/pkg/epochstore"
	"github.com/jcserv/homelab/pkg/observability"
	"github.com/jcserv/homelab/pkg/outage"
	"github.com/jcserv/homelab/pkg/sensor"
)

// DefaultOKInterval is the minimum gap between two power_ok events while power is steady.
const DefaultOKInterval = 5 * time.Minute

// Observation classifies what a tick saw.
type Observation string

const (
	ObservationSteady         Observation = "steady"
	ObservationOutageStarted  Observation = "outage_started"
	ObservationOutageProgress Observation = "outage_progress"
	ObservationRestored       Observation = "power_restored"
)

// Advancer drives due transitions for an epoch.
type Advancer interface {
	Advance(ctx context.Context, elapsed time.Duration, epoch *outage.Epoch) AdvanceResult
}

// Recoverer reconciles nodes once power is back.
type Recoverer interface {
	Recover(ctx context.Context, epoch *outage.Epoch) (RecoveryReport, error)
}

// TickResult describes one monitor tick.
type TickResult struct {
	Observation Observation
	Status      sensor.Status
	SensorErr   error
	Elapsed     time.Duration
	Advance     AdvanceResult
	Recovery    *RecoveryReport
}

// Monitor is the power monitor loop. It owns the current outage epoch and is not safe for
// concurrent use: ticks run one after another.
type Monitor struct {
	source     sensor.Source
	engine     Advancer
	recovery   Recoverer
	roster     outage.Roster
	store      epochstore.Store
	reporter   Reporter
	interval   time.Duration
	okInterval time.Duration
	sleep      func(time.Duration)
	now        func() time.Time
	tickHook   func(TickResult)

	epoch  *outage.Epoch
	lastOK time.Time
}

// MonitorOption customises the monitor.
type MonitorOption func(*Monitor)

// WithSleepFunc overrides the sleep between ticks.
func WithSleepFunc(fn func(time.Duration)) MonitorOption {
	return func(m *Monitor) {
		m.sleep = fn
	}
}

// WithTimeSource overrides the wall clock.
func WithTimeSource(fn func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = fn
	}
}

// WithReporter routes monitor events and metrics to reporter.
func WithReporter(reporter Reporter) MonitorOption {
	return func(m *Monitor) {
		m.reporter = reporter
	}
}

// WithStore persists the epoch after every change.
func WithStore(store epochstore.Store) MonitorOption {
	return func(m *Monitor) {
		m.store = store
	}
}

// WithOKInterval overrides how often steady power is logged.
func WithOKInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.okInterval = d
	}
}

// WithTickHook registers a callback invoked after every successful tick.
func WithTickHook(fn func(TickResult)) MonitorOption {
	return func(m *Monitor) {
		m.tickHook = fn
	}
}

// NewMonitor builds a monitor that polls source every interval.
func NewMonitor(source sensor.Source, engine Advancer, recovery Recoverer, roster outage.Roster, interval time.Duration, opts ...MonitorOption) (*Monitor, error) {
	if source == nil {
		return nil, errors.New("sensor source must not be nil")
	}
	if engine == nil {
		return nil, errors.New("phase engine must not be nil")
	}
	if recovery == nil {
		return nil, errors.New("recovery coordinator must not be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive: %s", interval)
	}

	m := &Monitor{
		source:     source,
		engine:     engine,
		recovery:   recovery,
		roster:     roster,
		store:      epochstore.Noop{},
		reporter:   NoopReporter{},
		interval:   interval,
		okInterval: DefaultOKInterval,
		sleep:      time.Sleep,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = epochstore.Noop{}
	}
	if m.reporter == nil {
		m.reporter = NoopReporter{}
	}
	if m.sleep == nil {
		m.sleep = time.Sleep
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Epoch returns the current outage epoch, or nil while power is present.
func (m *Monitor) Epoch() *outage.Epoch {
	return m.epoch
}

// Restore loads a persisted epoch so an outage in progress resumes with its original clock.
func (m *Monitor) Restore(ctx context.Context) error {
	snapshot, ok, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore epoch: %w", err)
	}
	if !ok {
		return nil
	}
	m.epoch = outage.RestoreEpoch(snapshot, m.roster)

	stages := make(map[string]interface{}, len(snapshot.Stages))
	for node, stage := range snapshot.Stages {
		stages[node] = stage.String()
	}
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "epoch_restored",
		Message: "resuming outage in progress",
		Fields: map[string]interface{}{
			"started_at": snapshot.StartedAt.UTC().Format(time.RFC3339),
			"stages":     stages,
		},
	})
	return nil
}

// Run ticks until ctx is cancelled. Tick errors are reported and never stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "monitor_started",
		Message: "power monitor started",
		Fields: map[string]interface{}{
			"sensor":            m.source.Name(),
			"poll_interval_sec": int64(m.interval / time.Second),
			"critical":          m.roster.Critical(),
			"priority":          m.roster.Names(outage.RolePriority),
			"secondary":         m.roster.Names(outage.RoleSecondary),
		},
	})

	if err := m.Restore(ctx); err != nil {
		m.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelError,
			Event:   "epoch_restore_failed",
			Message: "could not read persisted outage state, starting fresh",
			Fields:  map[string]interface{}{"error": err.Error()},
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := m.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.reportTickFailure(ctx, err)
		} else if m.tickHook != nil {
			m.tickHook(result)
		}

		if err := sleepWithContext(ctx, m.sleep, m.interval); err != nil {
			return err
		}
	}
}

// Tick takes one observation and reacts to it. A panic inside the tick is recovered and
// returned as an error.
func (m *Monitor) Tick(ctx context.Context) (result TickResult, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v\n%s", r, debug.Stack())
		}
	}()

	status, sensorErr := m.source.Status(ctx)
	if sensorErr != nil {
		status.Available = false
	}
	result.Status = status
	result.SensorErr = sensorErr
	m.recordPoll(ctx, status, sensorErr)

	now := m.now()
	switch {
	case status.Available && m.epoch == nil:
		result.Observation = ObservationSteady
		m.recordPowerOK(ctx, status, now)
		return result, nil

	case status.Available:
		result.Observation = ObservationRestored
		result.Elapsed = m.epoch.Elapsed(now)
		report, err := m.restore(ctx, status, result.Elapsed)
		if err != nil {
			return result, err
		}
		result.Recovery = &report
		return result, nil

	case m.epoch == nil:
		result.Observation = ObservationOutageStarted
		m.epoch = outage.NewEpoch(now, m.roster)
		m.recordOutageStart(ctx, status, sensorErr, now)
		m.persist(ctx)

	default:
		result.Observation = ObservationOutageProgress
	}

	result.Elapsed = m.epoch.Elapsed(now)
	if result.Observation == ObservationOutageProgress {
		m.recordOutageProgress(ctx, status, sensorErr, result.Elapsed)
	}
	result.Advance = m.engine.Advance(ctx, result.Elapsed, m.epoch)
	if result.Advance.Changed {
		m.persist(ctx)
	}
	return result, nil
}

func (m *Monitor) restore(ctx context.Context, status sensor.Status, elapsed time.Duration) (RecoveryReport, error) {
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "power_restored",
		Message: fmt.Sprintf("power restored after %s", elapsed.Truncate(time.Second)),
		Fields: map[string]interface{}{
			"sensor_state": status.RawState,
			"elapsed_sec":  int64(elapsed / time.Second),
			"touched":      m.epoch.Touched(),
		},
	})

	report, err := m.recovery.Recover(ctx, m.epoch)
	if err != nil {
		// Interrupted: keep the epoch so the next start runs recovery again.
		return report, fmt.Errorf("recovery interrupted: %w", err)
	}

	m.epoch.Reset()
	m.epoch = nil
	m.lastOK = time.Time{}
	if err := m.store.Clear(ctx); err != nil {
		m.reportPersistFailure(ctx, err)
	}
	return report, nil
}

func (m *Monitor) persist(ctx context.Context) {
	if m.epoch == nil {
		return
	}
	if err := m.store.Save(ctx, m.epoch.Snapshot()); err != nil {
		m.reportPersistFailure(ctx, err)
	}
}

func (m *Monitor) reportPersistFailure(ctx context.Context, err error) {
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelError,
		Event:   "epoch_persist_failed",
		Message: "could not persist outage state",
		Fields:  map[string]interface{}{"error": err.Error()},
	})
}

func (m *Monitor) reportTickFailure(ctx context.Context, err error) {
	m.reporter.RecordMetric(observability.Metric{
		Name:        "tick_failures_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Monitor ticks that ended with an error.",
	})
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelError,
		Event:   "tick_failed",
		Message: "tick failed, continuing at next interval",
		Fields:  map[string]interface{}{"error": err.Error()},
	})
}

func (m *Monitor) recordPoll(ctx context.Context, status sensor.Status, sensorErr error) {
	result := "unavailable"
	switch {
	case sensorErr != nil:
		result = "error"
	case status.Available:
		result = "available"
	}
	m.reporter.RecordMetric(observability.Metric{
		Name:        "sensor_polls_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Power sensor polls grouped by result.",
	})

	if sensorErr != nil {
		m.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "sensor_unreachable",
			Message: "cannot read power sensor, treating power as unavailable",
			Fields: map[string]interface{}{
				"sensor": m.source.Name(),
				"error":  sensorErr.Error(),
			},
		})
	}
	if status.Simulated {
		m.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "outage_simulated",
			Message: "test mode: simulating power outage",
			Fields:  map[string]interface{}{"sensor_state": status.RawState},
		})
	}
}

func (m *Monitor) recordPowerOK(ctx context.Context, status sensor.Status, now time.Time) {
	if !m.lastOK.IsZero() && now.Sub(m.lastOK) < m.okInterval {
		return
	}
	m.lastOK = now
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "power_ok",
		Message: "power ok",
		Fields:  map[string]interface{}{"sensor_state": status.RawState},
	})
}

func (m *Monitor) recordOutageStart(ctx context.Context, status sensor.Status, sensorErr error, now time.Time) {
	m.reporter.RecordMetric(observability.Metric{
		Name:        "outages_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Outage epochs started.",
	})
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "outage_started",
		Message: "power outage detected",
		Fields:  outageFields(status, sensorErr, map[string]interface{}{"started_at": now.UTC().Format(time.RFC3339)}),
	})
}

func (m *Monitor) recordOutageProgress(ctx context.Context, status sensor.Status, sensorErr error, elapsed time.Duration) {
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "outage_progress",
		Message: fmt.Sprintf("power outage ongoing for %s", elapsed.Truncate(time.Second)),
		Fields:  outageFields(status, sensorErr, map[string]interface{}{"elapsed_sec": int64(elapsed / time.Second)}),
	})
}

func outageFields(status sensor.Status, sensorErr error, fields map[string]interface{}) map[string]interface{} {
	fields["sensor_state"] = status.RawState
	fields["simulated"] = status.Simulated
	if sensorErr != nil {
		fields["cause"] = "sensor_unreachable"
	} else {
		fields["cause"] = "reading"
	}
	return fields
}
