package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isol8/internal/containerhost"
	"isol8/internal/gate"
	"isol8/internal/ierr"
	"isol8/internal/model"
	"isol8/internal/pool"
	"isol8/internal/registry"
)

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.ReadOnlyRootFS = false // exercise the putArchive staging path in these tests
	cfg.DefaultTimeout = 2 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg model.Config) (*Orchestrator, *containerhost.FakeHost) {
	t.Helper()
	host := containerhost.NewFakeHost()
	reg := registry.New()
	g := gate.New(4)
	orch := New(cfg, host, g, reg)

	if cfg.Lifecycle != model.LifecyclePersistent {
		p := pool.New(pool.Config{Strategy: cfg.PoolStrategy, CleanCap: cfg.PoolSizes.Clean, DirtyCap: cfg.PoolSizes.Dirty}, host, orch.CleanupContainer, orch.CreateWarm)
		orch.SetPool(p)
	}
	return orch, host
}

func TestExecuteHappyPathReturnsStdoutAndReleasesToPool(t *testing.T) {
	cfg := testConfig()
	orch, host := newTestOrchestrator(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "hello\n", "", 0
	}

	result, err := orch.Execute(context.Background(), model.ExecutionRequest{
		Runtime: model.RuntimePython,
		Code:    "print('hello')",
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", result.Stdout) // the shaper trims trailing whitespace
	assert.Equal(t, 0, result.ExitCode)
	assert.NotEmpty(t, result.ExecutionID)
	assert.NotEmpty(t, result.ContainerID)
	require.NotNil(t, result.ResourceUsage)

	assert.Equal(t, 1, orch.pool.CleanLen("python:3.12-slim"))
}

func TestExecuteNonZeroExitStillSucceedsAtTransportLevel(t *testing.T) {
	cfg := testConfig()
	orch, host := newTestOrchestrator(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "", "boom\n", 1
	}

	result, err := orch.Execute(context.Background(), model.ExecutionRequest{
		Runtime: model.RuntimeBash,
		Code:    "exit 1",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "boom", result.Stderr)
}

func TestExecuteUnknownRuntimeReturnsConfigError(t *testing.T) {
	cfg := testConfig()
	orch, _ := newTestOrchestrator(t, cfg)

	_, err := orch.Execute(context.Background(), model.ExecutionRequest{
		Runtime: model.RuntimeName("cobol"),
		Code:    "IDENTIFICATION DIVISION.",
	})

	var ce *ierr.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestPersistentModeRejectsRuntimeSwitch(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle = model.LifecyclePersistent
	orch, host := newTestOrchestrator(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "ok\n", "", 0
	}

	_, err := orch.Execute(context.Background(), model.ExecutionRequest{Runtime: model.RuntimePython, Code: "pass"})
	require.NoError(t, err)

	_, err = orch.Execute(context.Background(), model.ExecutionRequest{Runtime: model.RuntimeNode, Code: "1"})
	require.Error(t, err)
}

func TestPersistentModeReusesSameContainerAcrossExecutions(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle = model.LifecyclePersistent
	orch, host := newTestOrchestrator(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "ok\n", "", 0
	}

	r1, err := orch.Execute(context.Background(), model.ExecutionRequest{Runtime: model.RuntimePython, Code: "pass"})
	require.NoError(t, err)
	r2, err := orch.Execute(context.Background(), model.ExecutionRequest{Runtime: model.RuntimePython, Code: "pass"})
	require.NoError(t, err)

	assert.Equal(t, r1.ContainerID, r2.ContainerID)
}

type auditSinkFake struct {
	records []model.AuditRecord
}

func (s *auditSinkFake) Record(r model.AuditRecord) { s.records = append(s.records, r) }

func TestAuditRecordEmittedWithResourceUsageWhenSinkWired(t *testing.T) {
	cfg := testConfig()
	cfg.Audit = model.AuditConfig{Enabled: true, IncludeOutput: true}
	orch, host := newTestOrchestrator(t, cfg)
	sink := &auditSinkFake{}
	orch.SetAuditSink(sink)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "42\n", "", 0
	}

	_, err := orch.Execute(context.Background(), model.ExecutionRequest{
		Runtime:  model.RuntimePython,
		Code:     "print(42)",
		Metadata: map[string]string{"userId": "u-9"},
	})
	require.NoError(t, err)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, "u-9", rec.UserID)
	assert.Equal(t, "42\n", rec.Stdout)
	assert.NotNil(t, rec.ResourceUsage)
}

func TestExecuteInjectsSecretsAndRequestEnvAndRedactsOutput(t *testing.T) {
	cfg := testConfig()
	cfg.Secrets = map[string]string{"API_KEY": "super-secret-key-123"}
	orch, host := newTestOrchestrator(t, cfg)

	var gotEnv []string
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		gotEnv = spec.Env
		return "key is super-secret-key-123\n", "", 0
	}

	result, err := orch.Execute(context.Background(), model.ExecutionRequest{
		Runtime: model.RuntimePython,
		Code:    "print('key is', os.environ['API_KEY'])",
		Env:     map[string]string{"MODE": "test"},
	})
	require.NoError(t, err)

	assert.Contains(t, gotEnv, "API_KEY=super-secret-key-123")
	assert.Contains(t, gotEnv, "MODE=test")
	assert.NotContains(t, result.Stdout, "super-secret-key-123")
	assert.Contains(t, result.Stdout, "***")
}

func TestExecuteStreamEmitsStdoutThenExit(t *testing.T) {
	cfg := testConfig()
	orch, host := newTestOrchestrator(t, cfg)
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "line1\n", "", 0
	}

	events, err := orch.ExecuteStream(context.Background(), model.ExecutionRequest{
		Runtime: model.RuntimeBash,
		Code:    "echo line1",
	})
	require.NoError(t, err)

	var kinds []model.StreamEventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, model.StreamExit, kinds[len(kinds)-1])
}
