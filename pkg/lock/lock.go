package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired indicates that another monitor instance holds the lock.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager coordinates which monitor instance may actuate nodes.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease represents a held lock.
type Lease interface {
	Release(ctx context.Context) error
	// Done is closed when the lock is lost without Release being called. It may be nil for
	// leases that cannot be lost.
	Done() <-chan struct{}
}

// AcquireBlocking retries Acquire every interval while the lock is held elsewhere. onWait,
// when set, is called before each wait with the number of failed attempts so far.
func AcquireBlocking(ctx context.Context, m Manager, interval time.Duration, onWait func(attempt int)) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = time.Second
	}
	for attempt := 1; ; attempt++ {
		lease, err := m.Acquire(ctx)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if onWait != nil {
			onWait(attempt)
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// NoopManager hands out a lease immediately. It is used when no etcd endpoints are configured
// and a single monitor instance is assumed.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds in acquiring the lock.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

// Acquire implements Manager for NoopManager.
func (m *NoopManager) Acquire(ctx context.Context) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }
func (noopLease) Done() <-chan struct{}             { return nil }

var _ Manager = (*NoopManager)(nil)
var _ Lease = (*noopLease)(nil)
