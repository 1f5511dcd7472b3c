package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isol8/internal/containerhost"
	"isol8/internal/model"
)

func newTestEngine(t *testing.T, cfg model.Config) (*Engine, *containerhost.FakeHost) {
	t.Helper()
	host := containerhost.NewFakeHost()
	e, err := New(cfg, Options{Host: host})
	require.NoError(t, err)
	return e, host
}

func TestEngineExecuteRunsThroughFullWiring(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.ReadOnlyRootFS = false
	e, host := newTestEngine(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "hi\n", "", 0
	}

	result, err := e.Execute(context.Background(), model.ExecutionRequest{
		Runtime: model.RuntimePython,
		Code:    "print('hi')",
	})

	require.NoError(t, err)
	assert.Equal(t, "hi", result.Stdout) // the shaper trims trailing whitespace
}

func TestEngineExecuteRejectsMissingCodeAndCodeURL(t *testing.T) {
	cfg := model.DefaultConfig()
	e, _ := newTestEngine(t, cfg)

	_, err := e.Execute(context.Background(), model.ExecutionRequest{Runtime: model.RuntimePython})

	require.Error(t, err)
}

func TestEnginePutFileGetFileFailBeforeFirstExecute(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Lifecycle = model.LifecyclePersistent
	e, _ := newTestEngine(t, cfg)

	err := e.PutFile(context.Background(), "/sandbox/out.txt", []byte("x"))
	assert.Error(t, err)

	_, err = e.GetFile(context.Background(), "/sandbox/out.txt")
	assert.Error(t, err)
}

func TestEnginePutFileGetFileWorkAfterFirstExecuteInPersistentMode(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Lifecycle = model.LifecyclePersistent
	cfg.ReadOnlyRootFS = false
	e, host := newTestEngine(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "ok\n", "", 0
	}

	_, err := e.Execute(context.Background(), model.ExecutionRequest{Runtime: model.RuntimeBash, Code: "echo ok"})
	require.NoError(t, err)

	err = e.PutFile(context.Background(), "/sandbox/out.txt", []byte("x"))
	assert.NoError(t, err)
}

func TestEngineStopDrainsPoolWithoutError(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.ReadOnlyRootFS = false
	e, host := newTestEngine(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "ok\n", "", 0
	}

	_, err := e.Execute(context.Background(), model.ExecutionRequest{Runtime: model.RuntimeBash, Code: "echo ok"})
	require.NoError(t, err)

	assert.NoError(t, e.Stop(context.Background()))
}
