// Package engine wires the Runtime Registry, Container Host Adapter,
// Concurrency Gate, Container Pool, Remote Code Fetcher, Execution
// Orchestrator, Output Shaper, and audit recorder behind the public
// surface of spec.md §6.1. Grounded on the teacher's cmd/main.go wiring
// order (config -> logging -> db -> gin router -> handlers), adapted here
// into a library-shaped constructor instead of a process entrypoint,
// since the engine has callers other than an HTTP server (the CLI, and
// any embedding Go program).
package engine

import (
	"context"
	"fmt"

	"isol8/internal/containerhost"
	"isol8/internal/fetcher"
	"isol8/internal/gate"
	"isol8/internal/ierr"
	"isol8/internal/model"
	"isol8/internal/orchestrator"
	"isol8/internal/pool"
	"isol8/internal/registry"
)

// Engine is one configured instance of the execution engine (spec.md §2,
// "the core"). Safe for concurrent use by multiple callers; admission is
// bounded by its Concurrency Gate.
type Engine struct {
	cfg    model.Config
	host   containerhost.Host
	gate   *gate.Gate
	pool   *pool.Pool
	orch   *orchestrator.Orchestrator
	reg    *registry.Registry
	fetch  *fetcher.Fetcher
	ownsHost bool
}

// Options lets a caller override the default registry or inject a
// pre-built Host (tests, or a process sharing one Docker client across
// multiple engines).
type Options struct {
	Host     containerhost.Host // optional; built from cfg.DockerHost if nil
	Registry *registry.Registry // optional; defaults to registry.New()
	Sink     model.Sink         // optional audit sink (spec.md §6.4)
	Gate     *gate.Gate         // optional; defaults to a gate sized at 8
}

// New constructs an Engine. Resolves the Orchestrator/Pool circular
// dependency (the pool needs the orchestrator's hardened-create/cleanup
// closures; the orchestrator needs the pool to acquire/release
// containers) by constructing the Orchestrator first with no pool, then
// building the Pool against its bound methods, then wiring it back in.
func New(cfg model.Config, opts Options) (*Engine, error) {
	host := opts.Host
	ownsHost := false
	if host == nil {
		h, err := containerhost.NewDockerHost(cfg.DockerHost)
		if err != nil {
			return nil, &ierr.HostError{Op: "connect", Err: err}
		}
		host = h
		ownsHost = true
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}

	g := opts.Gate
	if g == nil {
		g = gate.New(8)
	}

	orch := orchestrator.New(cfg, host, g, reg)
	if opts.Sink != nil {
		orch.SetAuditSink(opts.Sink)
	}

	if cfg.Lifecycle != model.LifecyclePersistent {
		p := pool.New(pool.Config{
			Strategy: cfg.PoolStrategy,
			CleanCap: cfg.PoolSizes.Clean,
			DirtyCap: cfg.PoolSizes.Dirty,
		}, host, orch.CleanupContainer, orch.CreateWarm)
		orch.SetPool(p)
	}

	return &Engine{
		cfg:      cfg,
		host:     host,
		gate:     g,
		orch:     orch,
		reg:      reg,
		fetch:    fetcher.New(cfg.RemoteCode, nil),
		ownsHost: ownsHost,
	}, nil
}

// PrewarmOptions configures start()'s optional eager pool warm (spec.md
// §6.1).
type PrewarmOptions struct {
	Runtimes []model.RuntimeName // nil/empty means "all registered runtimes"
}

// Start eagerly warms the pool for the given runtimes (or all registered
// runtimes when none are listed). A no-op in persistent mode.
func (e *Engine) Start(ctx context.Context, opts PrewarmOptions) error {
	if e.cfg.Lifecycle == model.LifecyclePersistent {
		return nil
	}
	runtimes := opts.Runtimes
	if len(runtimes) == 0 {
		for _, d := range e.reg.List() {
			runtimes = append(runtimes, d.Name)
		}
	}
	for _, rt := range runtimes {
		desc, err := e.reg.Get(rt)
		if err != nil {
			return err
		}
		image, err := e.orch.ResolveImage(rt, desc.ImageTag)
		if err != nil {
			return err
		}
		if err := e.orch.Pool().Warm(ctx, image); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the engine down per spec.md §5: destroys the persistent
// container if any, and drains the pool.
func (e *Engine) Stop(ctx context.Context) error {
	e.orch.Stop(ctx)
	if e.ownsHost {
		return e.host.Close()
	}
	return nil
}

// Gate exposes the concurrency gate for metrics scraping and diagnostics.
func (e *Engine) Gate() *gate.Gate { return e.gate }

// Pool exposes the container pool for metrics scraping; nil in persistent
// mode.
func (e *Engine) Pool() *pool.Pool {
	if e.cfg.Lifecycle == model.LifecyclePersistent {
		return nil
	}
	return e.orch.Pool()
}

// Registry exposes the runtime registry so callers (the HTTP control
// plane's prewarm route) can enumerate registered runtimes.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Config returns the engine's resolved configuration.
func (e *Engine) Config() model.Config { return e.cfg }

// Execute resolves req.CodeURL via the fetcher when req.Code is empty,
// then runs one execution to completion (spec.md §6.1 execute()).
func (e *Engine) Execute(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error) {
	req, err := e.resolveCode(ctx, req)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	return e.orch.Execute(ctx, req)
}

// ExecuteStream is the streaming variant (spec.md §6.1 executeStream()).
func (e *Engine) ExecuteStream(ctx context.Context, req model.ExecutionRequest) (<-chan model.StreamEvent, error) {
	req, err := e.resolveCode(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.orch.ExecuteStream(ctx, req)
}

// resolveCode validates the code/codeUrl exclusivity and fetches remote
// code through the policy-gated fetcher when codeUrl is set (spec.md
// §4.5, §3 "exactly one required").
func (e *Engine) resolveCode(ctx context.Context, req model.ExecutionRequest) (model.ExecutionRequest, error) {
	if req.CodeURL == "" {
		if req.Code == "" {
			return req, &ierr.ConfigError{Reason: "exactly one of code or codeUrl is required"}
		}
		return req, nil
	}
	result, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		return req, err
	}
	req.Code = result.Code
	req.CodeHash = result.Hash
	return req, nil
}

// PutFile and GetFile are persistent-mode-only file operations (spec.md
// §6.1). They fail with a descriptive error before the first execute.
func (e *Engine) PutFile(ctx context.Context, path string, content []byte) error {
	containerID, ok := e.orch.PersistentContainerID()
	if !ok {
		return &ierr.NotFound{Kind: "active container", Name: path}
	}
	return e.orch.WriteSandboxFile(ctx, containerID, path, content)
}

func (e *Engine) GetFile(ctx context.Context, path string) ([]byte, error) {
	containerID, ok := e.orch.PersistentContainerID()
	if !ok {
		return nil, &ierr.NotFound{Kind: "active container", Name: path}
	}
	return e.orch.ReadSandboxFile(ctx, containerID, path)
}

// CleanupResult is the per-call tally returned by the static cleanup
// utilities (spec.md §6.1: "Both return counts and per-failure error
// strings").
type CleanupResult struct {
	Removed int
	Errors  []string
}

// CleanupContainers removes every container whose image tag starts with
// prefix. daemon overrides cfg.DockerHost's default socket when non-empty.
func CleanupContainers(ctx context.Context, daemon, prefix string) (CleanupResult, error) {
	host, err := containerhost.NewDockerHost(daemon)
	if err != nil {
		return CleanupResult{}, &ierr.HostError{Op: "connect", Err: err}
	}
	defer host.Close()

	containers, err := host.ListContainers(ctx, true)
	if err != nil {
		return CleanupResult{}, &ierr.HostError{Op: "list_containers", Err: err}
	}

	var res CleanupResult
	for _, c := range containers {
		if !hasPrefix(c.Image, prefix) {
			continue
		}
		if err := host.Remove(ctx, c.ID, true); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", c.ID, err))
			continue
		}
		res.Removed++
	}
	return res, nil
}

// CleanupImages removes every image tagged under prefix.
func CleanupImages(ctx context.Context, daemon, prefix string) (CleanupResult, error) {
	host, err := containerhost.NewDockerHost(daemon)
	if err != nil {
		return CleanupResult{}, &ierr.HostError{Op: "connect", Err: err}
	}
	defer host.Close()

	images, err := host.ListImages(ctx, true)
	if err != nil {
		return CleanupResult{}, &ierr.HostError{Op: "list_images", Err: err}
	}

	var res CleanupResult
	for _, img := range images {
		if !anyTagHasPrefix(img.Tags, prefix) {
			continue
		}
		if err := host.RemoveImage(ctx, img.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", img.ID, err))
			continue
		}
		res.Removed++
	}
	return res, nil
}

func anyTagHasPrefix(tags []string, prefix string) bool {
	for _, t := range tags {
		if hasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
