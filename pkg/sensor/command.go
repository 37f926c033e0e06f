package sensor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command reads the power state from the standard output of a command, for sensors that are
// easier to reach with a CLI than over HTTP.
type Command struct {
	command []string
	timeout time.Duration
}

// NewCommand builds a command source.
func NewCommand(command []string, timeout time.Duration) (*Command, error) {
	if len(command) == 0 {
		return nil, errors.New("command sensor requires cmd to be set")
	}
	return &Command{command: append([]string(nil), command...), timeout: timeout}, nil
}

func (c *Command) Name() string { return "command:" + c.command[0] }

// Status implements Source. A non-zero exit is a transport failure; the trimmed stdout is the
// raw state.
func (c *Command) Status(ctx context.Context) (Status, error) {
	execCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, c.command[0], c.command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return Status{}, fmt.Errorf("%w: command sensor timed out after %s", ErrTransport, c.timeout)
		}
		return Status{}, execCtx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Status{}, fmt.Errorf("%w: command sensor exited %d: %s", ErrTransport, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return Status{}, fmt.Errorf("%w: command sensor failed: %v", ErrTransport, err)
	}

	return FromState(stdout.String()), nil
}

var _ Source = (*Command)(nil)
