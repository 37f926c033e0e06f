package actuator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewKubeClient builds a clientset from kubeconfig, or from the in-cluster service account
// when kubeconfig is empty.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if strings.TrimSpace(kubeconfig) == "" {
		restCfg, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("load in-cluster config: %w", err)
		}
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %s: %w", kubeconfig, err)
		}
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return client, nil
}

// Kube performs node operations through the cluster API.
type Kube struct {
	client  kubernetes.Interface
	timeout time.Duration
}

// NewKube wraps a clientset. timeout bounds each API request; zero leaves the caller's
// deadline in charge.
func NewKube(client kubernetes.Interface, timeout time.Duration) (*Kube, error) {
	if client == nil {
		return nil, errors.New("kubernetes client must not be nil")
	}
	return &Kube{client: client, timeout: timeout}, nil
}

// Cordon marks the node unschedulable.
func (k *Kube) Cordon(ctx context.Context, node string) error {
	return k.setUnschedulable(ctx, node, true)
}

// Uncordon marks the node schedulable.
func (k *Kube) Uncordon(ctx context.Context, node string) error {
	return k.setUnschedulable(ctx, node, false)
}

func (k *Kube) setUnschedulable(ctx context.Context, node string, unschedulable bool) error {
	reqCtx, cancel := k.requestContext(ctx)
	defer cancel()

	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)
	_, err := k.client.CoreV1().Nodes().Patch(reqCtx, node, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patch node %s unschedulable=%t: %w", node, unschedulable, err)
	}
	return nil
}

// IsReady reports whether the node's Ready condition is True.
func (k *Kube) IsReady(ctx context.Context, node string) (bool, error) {
	n, err := k.get(ctx, node)
	if err != nil {
		return false, err
	}
	return nodeReady(n), nil
}

// IsSchedulingDisabled reports whether the node is cordoned.
func (k *Kube) IsSchedulingDisabled(ctx context.Context, node string) (bool, error) {
	n, err := k.get(ctx, node)
	if err != nil {
		return false, err
	}
	return n.Spec.Unschedulable, nil
}

// InternalIP resolves the address used to reach the node.
func (k *Kube) InternalIP(ctx context.Context, node string) (string, error) {
	n, err := k.get(ctx, node)
	if err != nil {
		return "", err
	}
	for _, addr := range n.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP && addr.Address != "" {
			return addr.Address, nil
		}
	}
	return "", fmt.Errorf("node %s has no InternalIP address", node)
}

// NodeStatus summarises one cluster node.
type NodeStatus struct {
	Name          string
	Ready         bool
	Unschedulable bool
}

// List returns every node known to the cluster.
func (k *Kube) List(ctx context.Context) ([]NodeStatus, error) {
	reqCtx, cancel := k.requestContext(ctx)
	defer cancel()

	list, err := k.client.CoreV1().Nodes().List(reqCtx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := make([]NodeStatus, 0, len(list.Items))
	for i := range list.Items {
		n := &list.Items[i]
		out = append(out, NodeStatus{Name: n.Name, Ready: nodeReady(n), Unschedulable: n.Spec.Unschedulable})
	}
	return out, nil
}

func (k *Kube) get(ctx context.Context, node string) (*corev1.Node, error) {
	reqCtx, cancel := k.requestContext(ctx)
	defer cancel()

	n, err := k.client.CoreV1().Nodes().Get(reqCtx, node, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", node, err)
	}
	return n, nil
}

func (k *Kube) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if k.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, k.timeout)
}

func nodeReady(n *corev1.Node) bool {
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
