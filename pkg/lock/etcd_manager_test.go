package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jcserv/homelab/internal/testutil"
)

func newTestManager(t *testing.T, endpoints []string, holder string, opts ...func(*EtcdManagerOptions)) *EtcdManager {
	t.Helper()
	options := EtcdManagerOptions{
		Endpoints: endpoints,
		LockKey:   "/power-monitor/lock",
		TTL:       3 * time.Second,
		Holder:    holder,
	}
	for _, opt := range opts {
		opt(&options)
	}
	manager, err := NewEtcdManager(options)
	if err != nil {
		t.Fatalf("failed to create etcd manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestEtcdManagerAcquireAndRelease(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "monitor-a")

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	if lease.Done() == nil {
		t.Fatal("expected etcd lease to expose a done channel")
	}

	holder, ok, err := manager.Current(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected lock owner, ok=%v err=%v", ok, err)
	}
	if holder.Holder != "monitor-a" || holder.PID <= 0 {
		t.Fatalf("unexpected holder %+v", holder)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if _, ok, err := manager.Current(context.Background()); err != nil || ok {
		t.Fatalf("expected free lock after release, ok=%v err=%v", ok, err)
	}
}

func TestEtcdManagerContention(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	first := newTestManager(t, cluster.Endpoints, "monitor-a")
	second := newTestManager(t, cluster.Endpoints, "monitor-b")

	lease1, err := first.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}
	if _, err := second.Acquire(context.Background()); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired when lock held, got %v", err)
	}
	if err := lease1.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}

	lease2, err := second.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected second acquire to succeed, got %v", err)
	}
	if err := lease2.Release(context.Background()); err != nil {
		t.Fatalf("expected second release to succeed, got %v", err)
	}
}

func TestAcquireBlockingWaitsForRelease(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	first := newTestManager(t, cluster.Endpoints, "monitor-a")
	second := newTestManager(t, cluster.Endpoints, "monitor-b")

	lease1, err := first.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waits := make(chan int, 16)
	go func() {
		<-waits
		_ = lease1.Release(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lease2, err := AcquireBlocking(ctx, second, 50*time.Millisecond, func(attempt int) {
		select {
		case waits <- attempt:
		default:
		}
	})
	if err != nil {
		t.Fatalf("expected blocking acquire to succeed after release, got %v", err)
	}
	_ = lease2.Release(context.Background())
}

func TestEtcdManagerAcquireContextCancelled(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "monitor-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}

func TestEtcdManagerNamespaceApplied(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "monitor-a", func(o *EtcdManagerOptions) {
		o.LockKey = "lock"
		o.Namespace = "homelab/prod"
	})

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	internal, ok := lease.(*etcdLease)
	if !ok {
		t.Fatalf("expected lease to be etcdLease, got %T", lease)
	}
	if key := internal.mutex.Key(); !strings.HasPrefix(key, "/homelab/prod/lock/") {
		t.Fatalf("expected key to include namespace prefix, got %s", key)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
}

func TestNewEtcdManagerValidation(t *testing.T) {
	if _, err := NewEtcdManager(EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, TTL: time.Second}); err == nil {
		t.Fatal("expected error for missing lock key")
	}
	if _, err := NewEtcdManager(EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, LockKey: "lock"}); err == nil {
		t.Fatal("expected error for missing TTL")
	}
	if _, err := NewEtcdManager(EtcdManagerOptions{LockKey: "lock", TTL: time.Second, Holder: "a"}); err == nil {
		t.Fatal("expected error for missing endpoints")
	}
}
