package actuator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandOutput captures a finished command.
type CommandOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandExecutor runs a local command to completion.
type CommandExecutor interface {
	Execute(ctx context.Context, command []string) (CommandOutput, error)
}

// ExecCommandExecutor shells out using os/exec and captures output.
type ExecCommandExecutor struct{}

// NewExecCommandExecutor constructs an ExecCommandExecutor.
func NewExecCommandExecutor() *ExecCommandExecutor {
	return &ExecCommandExecutor{}
}

// Execute runs command and returns an error for a non-zero exit, with stderr attached.
func (e *ExecCommandExecutor) Execute(ctx context.Context, command []string) (CommandOutput, error) {
	if len(command) == 0 {
		return CommandOutput{}, errors.New("command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return out, fmt.Errorf("run %q: %w", strings.Join(command, " "), ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, fmt.Errorf("run %q: exit %d: %s", strings.Join(command, " "), out.ExitCode, strings.TrimSpace(out.Stderr))
		}
		return out, fmt.Errorf("run %q: %w", strings.Join(command, " "), err)
	}
	return out, nil
}

var _ CommandExecutor = (*ExecCommandExecutor)(nil)
