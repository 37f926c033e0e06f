package actuator

import (
	"context"
	"errors"
	"time"
)

// KubectlDrainer evicts workloads with `kubectl drain`.
type KubectlDrainer struct {
	executor CommandExecutor
	kubectl  string
	args     []string
	timeout  time.Duration
}

// NewKubectlDrainer builds a drainer. args are appended after the node name.
func NewKubectlDrainer(executor CommandExecutor, kubectl string, args []string, timeout time.Duration) (*KubectlDrainer, error) {
	if kubectl == "" {
		return nil, errors.New("kubectl path must not be empty")
	}
	if executor == nil {
		executor = NewExecCommandExecutor()
	}
	return &KubectlDrainer{
		executor: executor,
		kubectl:  kubectl,
		args:     append([]string(nil), args...),
		timeout:  timeout,
	}, nil
}

// Drain runs the drain command for node.
func (d *KubectlDrainer) Drain(ctx context.Context, node string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	command := append([]string{d.kubectl, "drain", node}, d.args...)
	_, err := d.executor.Execute(ctx, command)
	return err
}
