package actuator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/jcserv/homelab/pkg/observability"
	"github.com/jcserv/homelab/pkg/outage"
)

func testNode(name string, ready, unschedulable bool, ip string) *corev1.Node {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	n := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       corev1.NodeSpec{Unschedulable: unschedulable},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
		},
	}
	if ip != "" {
		n.Status.Addresses = []corev1.NodeAddress{
			{Type: corev1.NodeHostName, Address: name},
			{Type: corev1.NodeInternalIP, Address: ip},
		}
	}
	return n
}

func newTestKube(t *testing.T, nodes ...*corev1.Node) *Kube {
	t.Helper()
	objs := make([]runtime.Object, 0, len(nodes))
	for _, n := range nodes {
		objs = append(objs, n)
	}
	kube, err := NewKube(fake.NewSimpleClientset(objs...), time.Second)
	if err != nil {
		t.Fatalf("new kube: %v", err)
	}
	return kube
}

func TestKubeCordonAndUncordon(t *testing.T) {
	kube := newTestKube(t, testNode("pi5-01", true, false, "10.0.0.5"))
	ctx := context.Background()

	if err := kube.Cordon(ctx, "pi5-01"); err != nil {
		t.Fatalf("cordon: %v", err)
	}
	disabled, err := kube.IsSchedulingDisabled(ctx, "pi5-01")
	if err != nil || !disabled {
		t.Fatalf("expected node cordoned, got %v %v", disabled, err)
	}
	// Cordoning twice is harmless.
	if err := kube.Cordon(ctx, "pi5-01"); err != nil {
		t.Fatalf("second cordon: %v", err)
	}

	if err := kube.Uncordon(ctx, "pi5-01"); err != nil {
		t.Fatalf("uncordon: %v", err)
	}
	disabled, err = kube.IsSchedulingDisabled(ctx, "pi5-01")
	if err != nil || disabled {
		t.Fatalf("expected node schedulable, got %v %v", disabled, err)
	}
}

func TestKubeReadinessAndAddress(t *testing.T) {
	kube := newTestKube(t,
		testNode("pi5-01", true, false, "10.0.0.5"),
		testNode("pi4-01", false, true, ""),
	)
	ctx := context.Background()

	if ready, err := kube.IsReady(ctx, "pi5-01"); err != nil || !ready {
		t.Fatalf("expected pi5-01 ready, got %v %v", ready, err)
	}
	if ready, err := kube.IsReady(ctx, "pi4-01"); err != nil || ready {
		t.Fatalf("expected pi4-01 not ready, got %v %v", ready, err)
	}
	if ip, err := kube.InternalIP(ctx, "pi5-01"); err != nil || ip != "10.0.0.5" {
		t.Fatalf("unexpected address %q %v", ip, err)
	}
	if _, err := kube.InternalIP(ctx, "pi4-01"); err == nil {
		t.Fatal("expected error for node without InternalIP")
	}
	if _, err := kube.IsReady(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown node")
	}

	nodes, err := kube.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %+v", nodes)
	}
}

type recordingExecutor struct {
	mu       sync.Mutex
	commands [][]string
	err      error
}

func (r *recordingExecutor) Execute(ctx context.Context, command []string) (CommandOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, append([]string(nil), command...))
	return CommandOutput{}, r.err
}

func TestKubectlDrainerBuildsCommand(t *testing.T) {
	exec := &recordingExecutor{}
	drainer, err := NewKubectlDrainer(exec, "kubectl", []string{"--ignore-daemonsets", "--force"}, time.Minute)
	if err != nil {
		t.Fatalf("new drainer: %v", err)
	}
	if err := drainer.Drain(context.Background(), "pi4-01"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got := strings.Join(exec.commands[0], " ")
	if got != "kubectl drain pi4-01 --ignore-daemonsets --force" {
		t.Fatalf("unexpected command %q", got)
	}

	exec.err = errors.New("exit 1")
	if err := drainer.Drain(context.Background(), "pi4-01"); err == nil {
		t.Fatal("expected drain error to propagate")
	}
}

type recordingShutdown struct {
	addrs []string
	err   error
}

func (r *recordingShutdown) Shutdown(ctx context.Context, addr string) error {
	r.addrs = append(r.addrs, addr)
	return r.err
}

func TestClusterPowerOffResolvesAddress(t *testing.T) {
	kube := newTestKube(t, testNode("pi5-01", true, true, "10.0.0.5"))
	shutdown := &recordingShutdown{}
	cluster, err := NewCluster(kube, &KubectlDrainer{executor: &recordingExecutor{}, kubectl: "kubectl"}, shutdown)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}

	if err := cluster.PowerOff(context.Background(), "pi5-01"); err != nil {
		t.Fatalf("power off: %v", err)
	}
	if len(shutdown.addrs) != 1 || shutdown.addrs[0] != "10.0.0.5" {
		t.Fatalf("unexpected shutdown targets %v", shutdown.addrs)
	}
	if err := cluster.PowerOff(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown node")
	}
}

type countingActuator struct {
	calls []string
}

func (c *countingActuator) record(action, node string) error {
	c.calls = append(c.calls, action+":"+node)
	return nil
}

func (c *countingActuator) Cordon(_ context.Context, n string) error { return c.record("cordon", n) }
func (c *countingActuator) Uncordon(_ context.Context, n string) error {
	return c.record("uncordon", n)
}
func (c *countingActuator) Drain(_ context.Context, n string) error { return c.record("drain", n) }
func (c *countingActuator) PowerOff(_ context.Context, n string) error {
	return c.record("power_off", n)
}
func (c *countingActuator) IsReady(context.Context, string) (bool, error) {
	return true, nil
}
func (c *countingActuator) IsSchedulingDisabled(context.Context, string) (bool, error) {
	return true, nil
}

func TestDryRunSuppressesMutations(t *testing.T) {
	inner := &countingActuator{}
	var events []observability.Event
	act := DryRun(inner, func(_ context.Context, e observability.Event) { events = append(events, e) })

	ctx := context.Background()
	for _, fn := range []func(context.Context, string) error{act.Cordon, act.Drain, act.PowerOff, act.Uncordon} {
		if err := fn(ctx, "pi5-01"); err != nil {
			t.Fatalf("dry run action failed: %v", err)
		}
	}
	if len(inner.calls) != 0 {
		t.Fatalf("expected no real actions, got %v", inner.calls)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 dry-run events, got %d", len(events))
	}
	if disabled, _ := act.IsSchedulingDisabled(ctx, "pi5-01"); !disabled {
		t.Fatal("expected read-only query to reach the inner actuator")
	}
	if ready, _ := DryRun(nil, nil).IsReady(ctx, "x"); !ready {
		t.Fatal("expected nodes to read as ready without an inner actuator")
	}
}

func TestSkipShutdownOnlySuppressesPowerOff(t *testing.T) {
	inner := &countingActuator{}
	var events []observability.Event
	act := SkipShutdown(inner, func(_ context.Context, e observability.Event) { events = append(events, e) })

	ctx := context.Background()
	_ = act.Cordon(ctx, "pi4-01")
	_ = act.Drain(ctx, "pi4-01")
	if err := act.PowerOff(ctx, "pi4-01"); err != nil {
		t.Fatalf("power off: %v", err)
	}
	if strings.Join(inner.calls, ",") != "cordon:pi4-01,drain:pi4-01" {
		t.Fatalf("unexpected inner calls %v", inner.calls)
	}
	if len(events) != 1 || events[0].Event != "power_off_skipped" {
		t.Fatalf("expected power_off_skipped event, got %+v", events)
	}
}

func TestClassifyShutdownErr(t *testing.T) {
	if err := classifyShutdownErr(nil, "shutdown", "h:22"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := classifyShutdownErr(io.EOF, "shutdown", "h:22"); err != nil {
		t.Fatalf("expected EOF to count as success, got %v", err)
	}
	if err := classifyShutdownErr(&ssh.ExitMissingError{}, "shutdown", "h:22"); err != nil {
		t.Fatalf("expected missing exit status to count as success, got %v", err)
	}
	if err := classifyShutdownErr(errors.New("permission denied"), "shutdown", "h:22"); err == nil {
		t.Fatal("expected generic error to fail")
	}
}

func TestNewSSHShutdownValidates(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	if _, err := NewSSHShutdown(SSHOptions{Signer: signer, Command: []string{"true"}}); err == nil {
		t.Fatal("expected error without user")
	}
	if _, err := NewSSHShutdown(SSHOptions{User: "admin", Signer: signer}); err == nil {
		t.Fatal("expected error without command")
	}
	s, err := NewSSHShutdown(SSHOptions{User: "admin", Signer: signer, Command: []string{"sudo", "shutdown", "-h", "now"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.port != "22" || s.command != "sudo shutdown -h now" {
		t.Fatalf("unexpected defaults port=%s command=%q", s.port, s.command)
	}
	if _, err := NewSSHShutdown(SSHOptions{User: "admin", KeyPath: "/nonexistent/key", Command: []string{"true"}}); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

var _ outage.NodeActuator = (*countingActuator)(nil)
