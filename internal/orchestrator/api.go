package orchestrator

import (
	"context"

	"isol8/internal/model"
	"isol8/internal/pool"
)

// ResolveImage exposes resolveImage for the engine's start()/prewarm path,
// which needs the same cached image tag the orchestrator itself will use.
func (o *Orchestrator) ResolveImage(rt model.RuntimeName, baseTag string) (string, error) {
	return o.resolveImage(rt, baseTag)
}

// Pool exposes the wired Pool for the engine's prewarm path. Nil in
// persistent mode.
func (o *Orchestrator) Pool() *pool.Pool {
	return o.pool
}

// PersistentContainerID returns the bound container of a persistent-mode
// engine, if one has been created by a prior execute (spec.md §6.1
// putFile/getFile: "fail with 'No active container' if called before the
// first execute").
func (o *Orchestrator) PersistentContainerID() (string, bool) {
	o.persistentMu.Lock()
	defer o.persistentMu.Unlock()
	return o.persistentContainer, o.persistentContainer != ""
}

// WriteSandboxFile stages arbitrary bytes into a running container at an
// absolute path, used by the engine's putFile (spec.md §6.1).
func (o *Orchestrator) WriteSandboxFile(ctx context.Context, containerID, path string, content []byte) error {
	return o.writeFile(ctx, containerID, path, content)
}

// ReadSandboxFile reads bytes back from a running container at an
// absolute path, used by the engine's getFile (spec.md §6.1).
func (o *Orchestrator) ReadSandboxFile(ctx context.Context, containerID, path string) ([]byte, error) {
	return o.readOutputFile(ctx, containerID, path)
}
