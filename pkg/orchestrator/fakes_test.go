package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jcserv/homelab/pkg/observability"
	"github.com/jcserv/homelab/pkg/outage"
	"github.com/jcserv/homelab/pkg/sensor"
)

var testThresholds = outage.Thresholds{
	CordonPriority:       30 * time.Second,
	DrainPriority:        60 * time.Second,
	ShutdownPriority:     180 * time.Second,
	CordonDrainSecondary: 300 * time.Second,
	ShutdownSecondary:    420 * time.Second,
}

// fakeActuator records every call and models node schedulability so recovery sees the
// effect of earlier cordons.
type fakeActuator struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	disabled map[string]bool
	notReady map[string]bool
	block    bool
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{
		failures: map[string]int{},
		disabled: map[string]bool{},
		notReady: map[string]bool{},
	}
}

// failNext makes the next n calls of action on node fail.
func (f *fakeActuator) failNext(action outage.Action, node string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[string(action)+":"+node] = n
}

func (f *fakeActuator) do(ctx context.Context, action outage.Action, node string) error {
	f.mu.Lock()
	key := string(action) + ":" + node
	f.calls = append(f.calls, key)
	block := f.block
	if f.failures[key] > 0 {
		f.failures[key]--
		f.mu.Unlock()
		return errors.New("simulated failure")
	}
	switch action {
	case outage.ActionCordon:
		f.disabled[node] = true
	case outage.ActionUncordon:
		f.disabled[node] = false
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeActuator) Cordon(ctx context.Context, node string) error {
	return f.do(ctx, outage.ActionCordon, node)
}

func (f *fakeActuator) Uncordon(ctx context.Context, node string) error {
	return f.do(ctx, outage.ActionUncordon, node)
}

func (f *fakeActuator) Drain(ctx context.Context, node string) error {
	return f.do(ctx, outage.ActionDrain, node)
}

func (f *fakeActuator) PowerOff(ctx context.Context, node string) error {
	return f.do(ctx, outage.ActionPowerOff, node)
}

func (f *fakeActuator) IsReady(_ context.Context, node string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "ready:"+node)
	return !f.notReady[node], nil
}

func (f *fakeActuator) IsSchedulingDisabled(_ context.Context, node string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled[node], nil
}

func (f *fakeActuator) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeActuator) callsFor(node string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > len(node) && c[len(c)-len(node)-1:] == ":"+node {
			out = append(out, c)
		}
	}
	return out
}

type sourceStep struct {
	status sensor.Status
	err    error
	panic  bool
}

type fakeSource struct {
	mu    sync.Mutex
	steps []sourceStep
	idx   int
	calls int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Status(context.Context) (sensor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return sensor.Status{Available: true, RawState: "120"}, nil
	}
	step := f.steps[len(f.steps)-1]
	if f.idx < len(f.steps) {
		step = f.steps[f.idx]
		f.idx++
	}
	if step.panic {
		panic("sensor exploded")
	}
	return step.status, step.err
}

func (f *fakeSource) push(steps ...sourceStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

var (
	powerOn  = sourceStep{status: sensor.Status{Available: true, RawState: "85.3"}}
	powerOff = sourceStep{status: sensor.Status{Available: false, RawState: "0"}}
)

type recordingReporter struct {
	mu      sync.Mutex
	events  []observability.Event
	metrics []observability.Metric
}

func (r *recordingReporter) RecordEvent(_ context.Context, event observability.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingReporter) RecordMetric(metric observability.Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, metric)
}

func (r *recordingReporter) eventCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == name {
			n++
		}
	}
	return n
}

func (r *recordingReporter) lastEvent(name string) (observability.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Event == name {
			return r.events[i], true
		}
	}
	return observability.Event{}, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
}

func (s *recordingSleeper) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.slept {
		sum += d
	}
	return sum
}
