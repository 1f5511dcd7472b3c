// Package orchestrator implements the Execution Orchestrator (spec.md
// §4.6): image resolution, hardened container specification, staging,
// execution, output collection/streaming, and the finalizer state
// machine that ties a single execute() call together. Grounded on the
// teacher's internal/sandbox/v2/executor.go executeDocker (the overall
// create/start/attach/wait/collect shape) and
// internal/execution/container_sandbox.go (hardening flags, Dockerfile
// generation for custom-dependency images), reworked from the teacher's
// one-shot run-and-remove container into exec-into-durable-container
// with a pool in front of it.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"isol8/internal/audit"
	"isol8/internal/containerhost"
	"isol8/internal/gate"
	"isol8/internal/ierr"
	"isol8/internal/logging"
	"isol8/internal/model"
	"isol8/internal/pool"
	"isol8/internal/registry"
	"isol8/internal/seccomp"
	"isol8/internal/shaper"
)

const (
	sandboxDir    = "/sandbox"
	sandboxUID    = "100"
	sandboxGID    = "101"
	proxyPort     = "8118"
	inlineStageMax = 20 * 1024 // bytes, base64-encoded, before chunking (spec.md §4.6.4)
	chunkSize      = 8 * 1024
)

// Orchestrator drives one engine's executions against a Host and Pool.
type Orchestrator struct {
	host     containerhost.Host
	pool     *pool.Pool
	gate     *gate.Gate
	registry *registry.Registry
	cfg      model.Config

	sampler       *audit.Sampler
	auditRecorder *audit.Recorder

	imageCacheMu sync.Mutex
	imageCache   map[model.RuntimeName]string

	persistentMu        sync.Mutex
	persistentContainer string
	persistentRuntime   model.RuntimeName
}

// New constructs an Orchestrator. In ephemeral mode, call SetPool once
// the engine has constructed a Pool wired to this Orchestrator's
// CreateWarm/CleanupContainer (the two are circularly dependent — the
// pool needs the orchestrator's hardened-create/cleanup logic, and the
// orchestrator needs the pool to acquire/release containers). Persistent
// mode never calls SetPool.
func New(cfg model.Config, host containerhost.Host, g *gate.Gate, reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		host:       host,
		gate:       g,
		registry:   reg,
		cfg:        cfg,
		sampler:    audit.NewSampler(host),
		imageCache: make(map[model.RuntimeName]string),
	}
}

// SetPool wires the engine's Pool into this Orchestrator. Must be called
// before the first Execute in ephemeral mode.
func (o *Orchestrator) SetPool(p *pool.Pool) {
	o.pool = p
}

// SetAuditSink wires the engine's audit sink (spec.md §6.4). Leaving it
// unset keeps accounting a no-op, so engines without an audit
// configuration never pay the stats-sampling cost.
func (o *Orchestrator) SetAuditSink(sink model.Sink) {
	o.auditRecorder = audit.NewRecorder(sink, o.cfg.Audit)
}

// Execute runs one request to completion and returns its result
// (spec.md §4.6, non-streaming path, state machine §4.6.13).
func (o *Orchestrator) Execute(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error) {
	executionID := uuid.New().String()
	log := logging.WithExecution(executionID, string(req.Runtime))

	if err := o.gate.Acquire(ctx); err != nil {
		return model.ExecutionResult{}, err
	}
	defer o.gate.Release()

	desc, err := o.registry.Get(req.Runtime)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	image, err := o.resolveImage(req.Runtime, desc.ImageTag)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	containerID, fromPool, err := o.acquireContainer(ctx, req, image)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	result, execErr := o.runInContainer(ctx, executionID, containerID, desc, req, log)

	o.finalize(ctx, req, image, containerID, fromPool, execErr == nil)

	if execErr != nil {
		return model.ExecutionResult{}, execErr
	}
	result.ExecutionID = executionID
	result.Runtime = req.Runtime
	result.ContainerID = containerID
	result.Timestamp = time.Now()
	return result, nil
}

// ExecuteStream is the streaming variant (spec.md §4.6.9): it returns a
// channel of events terminated by exactly one StreamExit/StreamError+exit
// pair. The caller must drain the channel to completion.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req model.ExecutionRequest) (<-chan model.StreamEvent, error) {
	executionID := uuid.New().String()
	log := logging.WithExecution(executionID, string(req.Runtime))

	if err := o.gate.Acquire(ctx); err != nil {
		return nil, err
	}

	desc, err := o.registry.Get(req.Runtime)
	if err != nil {
		o.gate.Release()
		return nil, err
	}

	image, err := o.resolveImage(req.Runtime, desc.ImageTag)
	if err != nil {
		o.gate.Release()
		return nil, err
	}

	containerID, fromPool, err := o.acquireContainer(ctx, req, image)
	if err != nil {
		o.gate.Release()
		return nil, err
	}

	events := make(chan model.StreamEvent, 64)
	go func() {
		defer close(events)
		defer o.gate.Release()
		ok := o.streamInContainer(ctx, executionID, containerID, desc, req, log, events)
		o.finalize(context.Background(), req, image, containerID, fromPool, ok)
	}()

	return events, nil
}

func (o *Orchestrator) acquireContainer(ctx context.Context, req model.ExecutionRequest, image string) (string, bool, error) {
	if o.cfg.Lifecycle == model.LifecyclePersistent {
		return o.acquirePersistent(ctx, req, image)
	}
	id, err := o.pool.Acquire(ctx, image)
	if err != nil {
		return "", false, &ierr.HostError{Op: "pool_acquire", Err: err}
	}
	if err := o.ensureStarted(ctx, id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (o *Orchestrator) acquirePersistent(ctx context.Context, req model.ExecutionRequest, image string) (string, bool, error) {
	o.persistentMu.Lock()
	defer o.persistentMu.Unlock()

	if o.persistentContainer != "" {
		if o.persistentRuntime != req.Runtime {
			return "", false, &ierr.ConfigError{Reason: fmt.Sprintf(
				"persistent engine is bound to runtime %q, cannot switch to %q", o.persistentRuntime, req.Runtime)}
		}
		return o.persistentContainer, false, nil
	}

	id, err := o.createHardened(ctx, image, req.Runtime)
	if err != nil {
		return "", false, err
	}
	if err := o.host.Start(ctx, id); err != nil {
		_ = o.host.Remove(context.Background(), id, true)
		return "", false, err
	}
	o.persistentContainer = id
	o.persistentRuntime = req.Runtime
	return id, false, nil
}

func (o *Orchestrator) ensureStarted(ctx context.Context, id string) error {
	// Pool-sourced containers are already started by the creator closure
	// the pool was constructed with; Start is idempotent-by-convention
	// here (best-effort, errors ignored) to keep callers uniform.
	_ = o.host.Start(ctx, id)
	return nil
}

// resolveImage implements spec.md §4.6.1, cached per engine instance.
func (o *Orchestrator) resolveImage(rt model.RuntimeName, baseTag string) (string, error) {
	o.imageCacheMu.Lock()
	defer o.imageCacheMu.Unlock()

	if cached, ok := o.imageCache[rt]; ok {
		return cached, nil
	}

	if o.cfg.ImageOverride != "" {
		o.imageCache[rt] = o.cfg.ImageOverride
		return o.cfg.ImageOverride, nil
	}

	if deps, ok := o.cfg.DependencyHints[rt]; ok && len(deps) > 0 {
		tag := fmt.Sprintf("%s:%s-custom-%s", o.cfg.ImagePrefix, rt, hashDeps(deps))
		if _, err := o.host.GetImage(context.Background(), tag); err == nil {
			o.imageCache[rt] = tag
			return tag, nil
		}
		legacy := baseTag + "-custom"
		if _, err := o.host.GetImage(context.Background(), legacy); err == nil {
			o.imageCache[rt] = legacy
			return legacy, nil
		}
	}

	o.imageCache[rt] = baseTag
	return baseTag, nil
}

func hashDeps(deps []string) string {
	joined := strings.Join(deps, ",")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:12]
}

// createHardened builds the CreateSpec per spec.md §4.6.2 and creates
// the container (not started).
func (o *Orchestrator) createHardened(ctx context.Context, image string, rt model.RuntimeName) (string, error) {
	sandboxOpts := fmt.Sprintf("rw,exec,nosuid,nodev,size=%s,uid=%s,gid=%s", o.cfg.SandboxTmpfsSize, sandboxUID, sandboxGID)
	tmpOpts := fmt.Sprintf("rw,noexec,nosuid,nodev,size=%s", o.cfg.TmpTmpfsSize)

	secOpts := []string{"no-new-privileges:true"}
	secOpts = append(secOpts, seccomp.Resolve(o.cfg.Seccomp, o.cfg.CustomSeccompPath)...)

	spec := containerhost.CreateSpec{
		Image:          image,
		Cmd:            []string{"sleep", "infinity"},
		WorkingDir:     sandboxDir,
		DisableNetwork: o.cfg.Network == model.NetworkNone,
		NetworkMode:    o.cfg.Network,
		Labels: map[string]string{
			"isol8.engine":  "true",
			"isol8.runtime": string(rt),
		},
		Host: containerhost.HostConfig{
			MemoryBytes:    o.cfg.MemoryLimitBytes,
			NanoCPUs:       int64(o.cfg.CPULimitCores * 1_000_000_000),
			PidsLimit:      o.cfg.MaxPids,
			ReadOnlyRootFS: o.cfg.ReadOnlyRootFS,
			Tmpfs:          map[string]string{sandboxDir: sandboxOpts, "/tmp": tmpOpts},
			SecurityOpt:    secOpts,
			CapDrop:        []string{"ALL"},
		},
	}

	id, err := o.host.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	return id, nil
}

// runInContainer performs staging, filtered-network bootstrap, package
// install, execution, and collection — the non-streaming path.
func (o *Orchestrator) runInContainer(ctx context.Context, executionID, containerID string, desc registry.Descriptor, req model.ExecutionRequest, log *zap.Logger) (model.ExecutionResult, error) {
	if o.cfg.Network == model.NetworkFiltered {
		if err := o.bootstrapFilteredNetwork(ctx, containerID); err != nil {
			return model.ExecutionResult{}, err
		}
	}

	staged, err := o.stage(ctx, containerID, desc, req)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	if len(req.InstallPackages) > 0 {
		if err := o.installPackages(ctx, containerID, req.Runtime, req.InstallPackages); err != nil {
			return model.ExecutionResult{}, err
		}
	}

	cmd := o.buildFinalCommand(desc, req, staged)

	timeout := o.timeoutFor(req)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startedAt := time.Now()
	before := o.sampler.Sample(ctx, containerID)
	handle, stream, err := o.host.Exec(runCtx, containerID, containerhost.ExecSpec{
		Cmd: cmd, Env: execEnv(o.cfg.Secrets, req.Env), User: sandboxUID, WorkingDir: sandboxDir, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return model.ExecutionResult{}, &ierr.HostError{Op: "exec", Err: err}
	}
	defer stream.Close()

	redactor := shaper.NewRedactor(o.cfg.Secrets)
	stdoutShaper := shaper.New(redactor, o.cfg.MaxOutputBytes)
	stderrShaper := shaper.New(redactor, o.cfg.MaxOutputBytes)

	collectDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(shaperWriter{stdoutShaper}, shaperWriter{stderrShaper}, stream.Reader)
		collectDone <- copyErr
	}()

	timedOut := false
	select {
	case <-runCtx.Done():
		timedOut = true
		time.Sleep(100 * time.Millisecond) // grace period for substreams to end (§4.6.8)
	case err := <-collectDone:
		if err != nil && err != io.EOF {
			log.Sugar().Warnw("output demux ended with error", "error", err)
		}
	}

	stdoutShaper.Close()
	stderrShaper.Close()

	exitCode := 0
	if timedOut {
		exitCode = 137
		durationMs := time.Since(startedAt).Milliseconds()
		stdoutText := stdoutShaper.String()
		stderrText := stderrShaper.String() + "\n--- EXECUTION TIMED OUT ---"
		usage := o.recordAudit(context.Background(), executionID, containerID, req, before, exitCode, durationMs, stdoutText, stderrText)
		return model.ExecutionResult{
			Stdout:        stdoutText,
			Stderr:        stderrText,
			ExitCode:      exitCode,
			DurationMs:    durationMs,
			Truncated:     stdoutShaper.Truncated() || stderrShaper.Truncated(),
			ResourceUsage: &usage,
		}, nil
	}

	insp, inspErr := o.host.ExecInspect(context.Background(), handle)
	if inspErr == nil {
		exitCode = insp.ExitCode
	}

	files, err := o.retrieveOutputs(context.Background(), containerID, req.OutputPaths)
	if err != nil {
		log.Sugar().Warnw("failed to retrieve some output paths", "error", err)
	}

	durationMs := time.Since(startedAt).Milliseconds()
	stdoutText := stdoutShaper.String()
	stderrText := stderrShaper.String()
	usage := o.recordAudit(context.Background(), executionID, containerID, req, before, exitCode, durationMs, stdoutText, stderrText)

	return model.ExecutionResult{
		Stdout:        stdoutText,
		Stderr:        stderrText,
		ExitCode:      exitCode,
		DurationMs:    durationMs,
		Truncated:     stdoutShaper.Truncated() || stderrShaper.Truncated(),
		Files:         files,
		ResourceUsage: &usage,
	}, nil
}

// streamInContainer is the streaming counterpart of runInContainer
// (spec.md §4.6.9). Returns true if the execution completed without a
// transport-level error (a non-zero exit code still counts as "ok" —
// only host/transport failures are not-ok for finalizer purposes).
func (o *Orchestrator) streamInContainer(ctx context.Context, executionID, containerID string, desc registry.Descriptor, req model.ExecutionRequest, log *zap.Logger, events chan<- model.StreamEvent) bool {
	if o.cfg.Network == model.NetworkFiltered {
		if err := o.bootstrapFilteredNetwork(ctx, containerID); err != nil {
			events <- model.StreamEvent{Kind: model.StreamError, Data: err.Error()}
			events <- model.StreamEvent{Kind: model.StreamExit, Data: "1"}
			return false
		}
	}

	staged, err := o.stage(ctx, containerID, desc, req)
	if err != nil {
		events <- model.StreamEvent{Kind: model.StreamError, Data: err.Error()}
		events <- model.StreamEvent{Kind: model.StreamExit, Data: "1"}
		return false
	}

	if len(req.InstallPackages) > 0 {
		if err := o.installPackages(ctx, containerID, req.Runtime, req.InstallPackages); err != nil {
			events <- model.StreamEvent{Kind: model.StreamError, Data: err.Error()}
			events <- model.StreamEvent{Kind: model.StreamExit, Data: "1"}
			return false
		}
	}

	cmd := o.buildFinalCommand(desc, req, staged)
	timeout := o.timeoutFor(req)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startedAt := time.Now()
	before := o.sampler.Sample(ctx, containerID)
	handle, stream, err := o.host.Exec(runCtx, containerID, containerhost.ExecSpec{
		Cmd: cmd, Env: execEnv(o.cfg.Secrets, req.Env), User: sandboxUID, WorkingDir: sandboxDir, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		events <- model.StreamEvent{Kind: model.StreamError, Data: err.Error()}
		events <- model.StreamEvent{Kind: model.StreamExit, Data: "1"}
		return false
	}
	defer stream.Close()

	redactor := shaper.NewRedactor(o.cfg.Secrets)
	outDec, errDec := &shaper.Decoder{}, &shaper.Decoder{}
	stdoutAcc, stderrAcc := &syncBuf{}, &syncBuf{}

	stdoutPipe, stdoutWriter := io.Pipe()
	stderrPipe, stderrWriter := io.Pipe()

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, stderrWriter, stream.Reader)
		stdoutWriter.Close()
		stderrWriter.Close()
		copyDone <- err
	}()

	chunkDone := make(chan struct{})
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		streamPipe(stdoutPipe, outDec, redactor, model.StreamStdout, events, stdoutAcc)
	}()
	go func() {
		defer pipes.Done()
		streamPipe(stderrPipe, errDec, redactor, model.StreamStderr, events, stderrAcc)
	}()
	go func() {
		pipes.Wait()
		close(chunkDone)
	}()

	select {
	case <-runCtx.Done():
		stream.Close()
		<-chunkDone
		events <- model.StreamEvent{Kind: model.StreamError, Data: "EXECUTION TIMED OUT"}
		events <- model.StreamEvent{Kind: model.StreamExit, Data: "137"}
		o.recordAudit(context.Background(), executionID, containerID, req, before, 137, time.Since(startedAt).Milliseconds(), stdoutAcc.String(), stderrAcc.String()+"\n--- EXECUTION TIMED OUT ---")
		return true
	case err := <-copyDone:
		<-chunkDone
		if err != nil && err != io.EOF {
			events <- model.StreamEvent{Kind: model.StreamError, Data: err.Error()}
			events <- model.StreamEvent{Kind: model.StreamExit, Data: "1"}
			return false
		}
		insp, inspErr := o.host.ExecInspect(context.Background(), handle)
		exitCode := 0
		if inspErr == nil {
			exitCode = insp.ExitCode
		}
		events <- model.StreamEvent{Kind: model.StreamExit, Data: strconv.Itoa(exitCode)}
		o.recordAudit(context.Background(), executionID, containerID, req, before, exitCode, time.Since(startedAt).Milliseconds(), stdoutAcc.String(), stderrAcc.String())
		return true
	}
}

// syncBuf accumulates streamed text under a mutex for the audit record's
// Stdout/Stderr fields (spec.md §6.4) — the timeout path may read it while
// the pipe goroutines are still writing the last chunk.
type syncBuf struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuf) WriteString(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.WriteString(text)
}

func (s *syncBuf) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func streamPipe(r io.Reader, dec *shaper.Decoder, redactor *shaper.Redactor, kind model.StreamEventKind, events chan<- model.StreamEvent, acc *syncBuf) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			text := redactor.Redact(dec.Push(buf[:n]))
			if text != "" {
				acc.WriteString(text)
				events <- model.StreamEvent{Kind: kind, Data: text}
			}
		}
		if err != nil {
			if tail := redactor.Redact(dec.Final()); tail != "" {
				acc.WriteString(tail)
				events <- model.StreamEvent{Kind: kind, Data: tail}
			}
			return
		}
	}
}

type shaperWriter struct{ s *shaper.Shaper }

func (w shaperWriter) Write(p []byte) (int, error) {
	w.s.Write(p)
	return len(p), nil
}

func (o *Orchestrator) timeoutFor(req model.ExecutionRequest) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return o.cfg.DefaultTimeout
}

// buildFinalCommand composes the runtime's argv, wrapping with a
// kill-on-expiry guard (§4.6.5) and stdin wiring (§4.6.6).
func (o *Orchestrator) buildFinalCommand(desc registry.Descriptor, req model.ExecutionRequest, staged stageResult) []string {
	var argv []string
	if staged.EntryPath != "" {
		argv = desc.BuildCommand(req.Code, staged.EntryPath)
	} else {
		argv = desc.BuildCommand(req.Code, "")
	}

	seconds := 30
	if req.TimeoutMs > 0 {
		seconds = (req.TimeoutMs + 999) / 1000
	} else if o.cfg.DefaultTimeout > 0 {
		seconds = int((o.cfg.DefaultTimeout + time.Second - 1) / time.Second)
	}
	guarded := append([]string{"timeout", "--signal=KILL", strconv.Itoa(seconds)}, argv...)

	if staged.StdinPath == "" {
		return guarded
	}

	quoted := make([]string, len(guarded))
	for i, a := range guarded {
		quoted[i] = shellQuote(a)
	}
	script := fmt.Sprintf("cat %s | %s", shellQuote(staged.StdinPath), strings.Join(quoted, " "))
	return []string{"sh", "-c", script}
}

// execEnv builds the name=value environment for the user-code exec:
// configured secrets (redacted from output by the shaper, but still
// visible to the running process per spec.md §3) plus any plain
// request-level env vars. Secrets are applied last so a request cannot
// override a configured secret's value.
func execEnv(secrets map[string]string, reqEnv map[string]string) []string {
	if len(secrets) == 0 && len(reqEnv) == 0 {
		return nil
	}
	env := make([]string, 0, len(secrets)+len(reqEnv))
	for k, v := range reqEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range secrets {
		env = append(env, k+"="+v)
	}
	return env
}

func shellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

