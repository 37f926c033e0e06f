package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions configures remote shutdown over SSH.
type SSHOptions struct {
	User       string
	KeyPath    string
	Signer     ssh.Signer
	Port       int
	Command    []string
	Timeout    time.Duration
	KnownHosts string
}

// SSHShutdown runs a privileged shutdown command on a remote host.
type SSHShutdown struct {
	config  *ssh.ClientConfig
	port    string
	command string
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHShutdown loads the key and host key policy. Without a known_hosts file any host key
// is accepted, matching how the cluster nodes are provisioned.
func NewSSHShutdown(opts SSHOptions) (*SSHShutdown, error) {
	if strings.TrimSpace(opts.User) == "" {
		return nil, errors.New("ssh user must not be empty")
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("ssh command must not be empty")
	}

	signer := opts.Signer
	if signer == nil {
		key, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err = ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", opts.KeyPath, err)
		}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if strings.TrimSpace(opts.KnownHosts) != "" {
		cb, err := knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	port := opts.Port
	if port <= 0 {
		port = 22
	}

	dialer := &net.Dialer{}
	return &SSHShutdown{
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         opts.Timeout,
		},
		port:    strconv.Itoa(port),
		command: strings.Join(opts.Command, " "),
		timeout: opts.Timeout,
		dial:    dialer.DialContext,
	}, nil
}

// Shutdown connects to host and runs the shutdown command. A session that ends without an
// exit status counts as success: the host dropped the connection while going down.
func (s *SSHShutdown) Shutdown(ctx context.Context, host string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, s.port)
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session on %s: %w", addr, err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(s.command) }()

	select {
	case <-ctx.Done():
		client.Close()
		return fmt.Errorf("run %q on %s: %w", s.command, addr, ctx.Err())
	case err := <-done:
		return classifyShutdownErr(err, s.command, addr)
	}
}

func classifyShutdownErr(err error, command, addr string) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("run %q on %s: exit %d", command, addr, exitErr.ExitStatus())
	}
	return fmt.Errorf("run %q on %s: %w", command, addr, err)
}
