package containerhost

import (
	"bytes"
	"context"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeHostCreateStartExecLifecycle(t *testing.T) {
	ctx := context.Background()
	h := NewFakeHost()
	h.ExecResponder = func(id string, spec ExecSpec) (string, string, int) {
		return "hello\n", "", 0
	}

	id, err := h.Create(ctx, CreateSpec{Image: "python:3.12-slim"})
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx, id))

	handle, stream, err := h.Exec(ctx, id, ExecSpec{Cmd: []string{"python3", "-c", "print('hello')"}})
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(&stdout, &stderr, stream.Reader)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout.String())

	insp, err := h.ExecInspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, 0, insp.ExitCode)

	require.NoError(t, h.Remove(ctx, id, true))
	assert.Equal(t, 0, h.ContainerCount())
	assert.Contains(t, h.Removed, id)
}

func TestFakeHostExecAgainstUnknownContainer(t *testing.T) {
	h := NewFakeHost()
	_, _, err := h.Exec(context.Background(), "missing", ExecSpec{})
	require.Error(t, err)
}
