package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecutorCapturesOutput(t *testing.T) {
	e := &LocalExecutor{}

	result, err := e.ExecuteCommand(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Empty(t, result.Stderr)
}

func TestLocalExecutorNonZeroExitIsResult(t *testing.T) {
	e := &LocalExecutor{}

	result, err := e.ExecuteCommand(context.Background(), "echo oops >&2; exit 3")
	require.NoError(t, err, "a failing command is a result, not a transport error")
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "oops\n", result.Stderr)
}

func TestLocalExecutorWorkDir(t *testing.T) {
	dir := t.TempDir()
	e := &LocalExecutor{WorkDir: dir}

	result, err := e.ExecuteCommand(context.Background(), "pwd")
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, dir)
}

func TestLocalExecutorCanceledContext(t *testing.T) {
	e := &LocalExecutor{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ExecuteCommand(ctx, "sleep 10")
	assert.Error(t, err)
}
