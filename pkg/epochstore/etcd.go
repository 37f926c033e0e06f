package epochstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/jcserv/homelab/pkg/outage"
)

// EtcdOptions configures the etcd-backed epoch store.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Key         string
	TLS         *tls.Config
	// Client reuses an existing connection. When set, Endpoints, DialTimeout and TLS are
	// ignored and Close leaves the client open.
	Client *clientv3.Client
}

// Etcd stores the epoch snapshot as a JSON document under a single key.
type Etcd struct {
	client    *clientv3.Client
	key       string
	ownClient bool
}

// NewEtcd connects to etcd, or wraps opts.Client.
func NewEtcd(opts EtcdOptions) (*Etcd, error) {
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		return nil, errors.New("epoch store requires a key")
	}
	if opts.Client != nil {
		return &Etcd{client: opts.Client, key: ApplyNamespace(opts.Namespace, key)}, nil
	}

	client, err := NewClient(opts.Endpoints, opts.DialTimeout, opts.TLS)
	if err != nil {
		return nil, err
	}
	return &Etcd{client: client, key: ApplyNamespace(opts.Namespace, key), ownClient: true}, nil
}

// NewClient dials etcd with the settings shared by the epoch store and the singleton lock.
func NewClient(endpoints []string, dialTimeout time.Duration, tlsConfig *tls.Config) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd requires at least one endpoint")
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:           endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 tlsConfig,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return client, nil
}

// Key returns the fully namespaced key.
func (e *Etcd) Key() string {
	return e.key
}

// Close releases the client when the store created it.
func (e *Etcd) Close() error {
	if e == nil || !e.ownClient || e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// Load implements Store.
func (e *Etcd) Load(ctx context.Context) (outage.Snapshot, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), e.key)
	if err != nil {
		if isContextErr(err) {
			return outage.Snapshot{}, false, err
		}
		return outage.Snapshot{}, false, fmt.Errorf("read epoch key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return outage.Snapshot{}, false, nil
	}
	var snapshot outage.Snapshot
	if err := json.Unmarshal(resp.Kvs[0].Value, &snapshot); err != nil {
		return outage.Snapshot{}, false, fmt.Errorf("parse epoch payload: %w", err)
	}
	if snapshot.Stages == nil {
		snapshot.Stages = map[string]outage.Stage{}
	}
	return snapshot, true, nil
}

// Save implements Store.
func (e *Etcd) Save(ctx context.Context, snapshot outage.Snapshot) error {
	if ctx == nil {
		ctx = context.Background()
	}
	snapshot.StartedAt = snapshot.StartedAt.UTC()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode epoch: %w", err)
	}
	if _, err := e.client.Put(ctx, e.key, string(payload)); err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("store epoch payload: %w", err)
	}
	return nil
}

// Clear implements Store.
func (e *Etcd) Clear(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := e.client.Delete(ctx, e.key); err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("clear epoch key: %w", err)
	}
	return nil
}

// ApplyNamespace prefixes key with namespace, normalising slashes.
func ApplyNamespace(namespace, key string) string {
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

var _ Store = (*Etcd)(nil)
