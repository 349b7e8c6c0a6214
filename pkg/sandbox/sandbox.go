// Package sandbox defines the contract to the sandboxed execution
// environment that hosts the downstream REST service in hybrid mode. Only
// the deployment path uses it; queries never go through here.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// CommandResult carries the outcome of a sandboxed command. A non-zero exit
// code is a result, not a transport error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs commands inside the sandboxed environment.
type Executor interface {
	ExecuteCommand(ctx context.Context, cmd string) (*CommandResult, error)
}

// LocalExecutor runs commands in a local shell, rooted at WorkDir. It is the
// default Executor when no remote sandbox is configured.
type LocalExecutor struct {
	WorkDir string
}

func (e *LocalExecutor) ExecuteCommand(ctx context.Context, cmd string) (*CommandResult, error) {
	command := exec.CommandContext(ctx, "sh", "-c", cmd)
	if e.WorkDir != "" {
		command.Dir = e.WorkDir
	}

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	result := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
