package lock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdManagerOptions configures the etcd-backed singleton lock.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	TLS         *tls.Config
	// Client reuses an existing connection; Endpoints, DialTimeout and TLS are then ignored
	// and Close leaves the client open.
	Client    *clientv3.Client
	LockKey   string
	Namespace string
	TTL       time.Duration
	// Holder names this instance in the lock annotation. Defaults to the hostname.
	Holder    string
	ProcessID int
	Clock     func() time.Time
}

// EtcdManager hands out an etcd mutex bound to a session lease, so a crashed holder loses the
// lock after TTL.
type EtcdManager struct {
	client     *clientv3.Client
	ownClient  bool
	key        string
	ttlSeconds int
	holder     string
	pid        int
	now        func() time.Time
}

// Holder describes who owns the lock, as written next to the mutex key.
type Holder struct {
	Holder     string `json:"holder"`
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
}

// NewEtcdManager builds a lock manager backed by etcd.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	trimmedKey := strings.TrimSpace(opts.LockKey)
	if trimmedKey == "" {
		return nil, errors.New("etcd lock manager requires a non-empty lock key")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("etcd lock manager requires a positive TTL")
	}
	ttlSeconds := int(math.Ceil(opts.TTL.Seconds()))

	holder := strings.TrimSpace(opts.Holder)
	if holder == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve lock holder: %w", err)
		}
		holder = hostname
	}
	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	client := opts.Client
	ownClient := false
	if client == nil {
		if len(opts.Endpoints) == 0 {
			return nil, errors.New("etcd lock manager requires at least one endpoint")
		}
		dialTimeout := opts.DialTimeout
		if dialTimeout <= 0 {
			dialTimeout = 5 * time.Second
		}
		var err error
		client, err = clientv3.New(clientv3.Config{
			Endpoints:           opts.Endpoints,
			DialTimeout:         dialTimeout,
			TLS:                 opts.TLS,
			RejectOldCluster:    true,
			PermitWithoutStream: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create etcd client: %w", err)
		}
		ownClient = true
	}

	return &EtcdManager{
		client:     client,
		ownClient:  ownClient,
		key:        applyNamespace(opts.Namespace, trimmedKey),
		ttlSeconds: ttlSeconds,
		holder:     holder,
		pid:        pid,
		now:        clock,
	}, nil
}

// Close releases the client when the manager created it.
func (m *EtcdManager) Close() error {
	if m == nil || !m.ownClient {
		return nil
	}
	return m.client.Close()
}

// Acquire tries the lock once and returns ErrNotAcquired when another instance holds it.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	linearizableCtx := clientv3.WithRequireLeader(ctx)

	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds), concurrency.WithContext(ctx))
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.TryLock(linearizableCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrNotAcquired
		}
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("try lock: %w", err)
	}

	if err := m.annotate(linearizableCtx, session, mutex); err != nil {
		cleanupCtx, cancel := context.WithTimeout(clientv3.WithRequireLeader(context.Background()), 5*time.Second)
		_ = mutex.Unlock(cleanupCtx)
		cancel()
		_ = session.Close()
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("annotate lock: %w", err)
	}

	return &etcdLease{session: session, mutex: mutex}, nil
}

// Current reads the holder annotation of the instance owning the lock. ok is false when the
// lock is free.
func (m *EtcdManager) Current(ctx context.Context) (holder Holder, ok bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := m.client.Get(clientv3.WithRequireLeader(ctx), m.key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return Holder{}, false, fmt.Errorf("read lock owner: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Holder{}, false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &holder); err != nil {
		return Holder{}, true, fmt.Errorf("parse lock owner: %w", err)
	}
	return holder, true, nil
}

var _ Manager = (*EtcdManager)(nil)

type etcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (l *etcdLease) Done() <-chan struct{} {
	return l.session.Done()
}

func (l *etcdLease) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = clientv3.WithRequireLeader(ctx)

	unlockErr := l.mutex.Unlock(ctx)
	closeErr := l.session.Close()

	if unlockErr != nil && !errors.Is(unlockErr, concurrency.ErrLockReleased) {
		if isContextErr(unlockErr) {
			return unlockErr
		}
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		if isContextErr(closeErr) {
			return closeErr
		}
		return fmt.Errorf("close session: %w", closeErr)
	}
	return nil
}

func (m *EtcdManager) annotate(ctx context.Context, session *concurrency.Session, mutex *concurrency.Mutex) error {
	payload, err := json.Marshal(Holder{
		Holder:     m.holder,
		PID:        m.pid,
		AcquiredAt: m.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = session.Client().Put(ctx, mutex.Key(), string(payload), clientv3.WithLease(session.Lease()))
	return err
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
