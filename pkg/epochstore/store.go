package epochstore

import (
	"context"
	"sync"

	"github.com/jcserv/homelab/pkg/outage"
)

// Store persists the in-flight outage epoch so a restarted monitor resumes where it stopped.
type Store interface {
	// Load returns the persisted snapshot. ok is false when nothing is stored.
	Load(ctx context.Context) (snapshot outage.Snapshot, ok bool, err error)
	// Save replaces the persisted snapshot.
	Save(ctx context.Context, snapshot outage.Snapshot) error
	// Clear removes the persisted snapshot. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
	// Close releases underlying resources. It must be safe to call multiple times.
	Close() error
}

// Noop keeps nothing. It is used when persistence is disabled.
type Noop struct{}

func (Noop) Load(context.Context) (outage.Snapshot, bool, error) {
	return outage.Snapshot{}, false, nil
}
func (Noop) Save(context.Context, outage.Snapshot) error { return nil }
func (Noop) Clear(context.Context) error                 { return nil }
func (Noop) Close() error                                { return nil }

// Memory keeps the snapshot in process memory.
type Memory struct {
	mu       sync.Mutex
	snapshot *outage.Snapshot
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load implements Store.
func (m *Memory) Load(context.Context) (outage.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return outage.Snapshot{}, false, nil
	}
	return cloneSnapshot(*m.snapshot), true, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, snapshot outage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := cloneSnapshot(snapshot)
	m.snapshot = &cloned
	return nil
}

// Clear implements Store.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = nil
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func cloneSnapshot(s outage.Snapshot) outage.Snapshot {
	out := outage.Snapshot{StartedAt: s.StartedAt, Stages: make(map[string]outage.Stage, len(s.Stages))}
	for k, v := range s.Stages {
		out.Stages[k] = v
	}
	return out
}

var _ Store = Noop{}
var _ Store = (*Memory)(nil)
