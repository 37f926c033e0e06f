package actuator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcserv/homelab/pkg/outage"
)

// Drainer evicts workloads from a node.
type Drainer interface {
	Drain(ctx context.Context, node string) error
}

// RemoteShutdown powers off the host reachable at addr.
type RemoteShutdown interface {
	Shutdown(ctx context.Context, addr string) error
}

// Cluster is the production NodeActuator: cluster API for schedulability and readiness, a
// drainer for evictions and remote shutdown against the node's InternalIP.
type Cluster struct {
	kube     *Kube
	drainer  Drainer
	shutdown RemoteShutdown
}

// NewCluster composes the collaborators. shutdown may be nil when power-off is suppressed by
// a decorator.
func NewCluster(kube *Kube, drainer Drainer, shutdown RemoteShutdown) (*Cluster, error) {
	if kube == nil {
		return nil, errors.New("cluster actuator requires a kubernetes client")
	}
	if drainer == nil {
		return nil, errors.New("cluster actuator requires a drainer")
	}
	return &Cluster{kube: kube, drainer: drainer, shutdown: shutdown}, nil
}

func (c *Cluster) Cordon(ctx context.Context, node string) error   { return c.kube.Cordon(ctx, node) }
func (c *Cluster) Uncordon(ctx context.Context, node string) error { return c.kube.Uncordon(ctx, node) }
func (c *Cluster) Drain(ctx context.Context, node string) error    { return c.drainer.Drain(ctx, node) }

func (c *Cluster) IsReady(ctx context.Context, node string) (bool, error) {
	return c.kube.IsReady(ctx, node)
}

func (c *Cluster) IsSchedulingDisabled(ctx context.Context, node string) (bool, error) {
	return c.kube.IsSchedulingDisabled(ctx, node)
}

// PowerOff resolves the node address and shuts the host down.
func (c *Cluster) PowerOff(ctx context.Context, node string) error {
	if c.shutdown == nil {
		return fmt.Errorf("power off %s: remote shutdown is not configured", node)
	}
	addr, err := c.kube.InternalIP(ctx, node)
	if err != nil {
		return fmt.Errorf("power off %s: %w", node, err)
	}
	if err := c.shutdown.Shutdown(ctx, addr); err != nil {
		return fmt.Errorf("power off %s (%s): %w", node, addr, err)
	}
	return nil
}

var _ outage.NodeActuator = (*Cluster)(nil)
