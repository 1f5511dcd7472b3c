package orchestrator

import (
	"context"

	"isol8/internal/containerhost"
	"isol8/internal/logging"
	"isol8/internal/model"
)

// finalize implements spec.md §4.6.13: release the pool permit, return
// or destroy the container, and never leak it. Persistent-mode
// containers are never returned to a pool — they simply stay bound to
// the engine until Stop.
func (o *Orchestrator) finalize(ctx context.Context, req model.ExecutionRequest, image, containerID string, fromPool, ok bool) {
	if o.cfg.Lifecycle == model.LifecyclePersistent {
		return // filesystem state persists; never recycled or destroyed here
	}
	if !fromPool {
		// A container the pool never tracked is destroyed rather than
		// released. acquireContainer reports every ephemeral container,
		// including one the pool created inline on a miss, as pool-sourced.
		if err := o.host.Remove(context.Background(), containerID, true); err != nil {
			logging.WithComponent("orchestrator").Sugar().Warnw("failed to remove inline-created container", "error", err, "container_id", containerID)
		}
		return
	}
	if !ok {
		if err := o.host.Remove(context.Background(), containerID, true); err != nil {
			logging.WithComponent("orchestrator").Sugar().Warnw("failed to remove failed-execution container", "error", err, "container_id", containerID)
		}
		return
	}
	o.pool.Release(context.Background(), image, containerID)
}

// CleanupContainer implements the pool's cleanup contract (spec.md
// §4.4): kill sandbox-user processes, flush packet-filter rules under
// filtered networking, and wipe /sandbox. Wired as the pool.Cleaner for
// the engine's Pool instance.
func (o *Orchestrator) CleanupContainer(ctx context.Context, host containerhost.Host, containerID string, _ model.NetworkMode) error {
	if err := o.execAsRoot(ctx, containerID, "pkill -9 -u "+sandboxUID+" || true"); err != nil {
		return err
	}
	if o.cfg.Network == model.NetworkFiltered {
		if err := o.execAsRoot(ctx, containerID, "iptables -F OUTPUT || true"); err != nil {
			return err
		}
	}
	return o.execAsRoot(ctx, containerID, "find "+sandboxDir+" -mindepth 1 -delete")
}

// CreateWarm implements the pool's Creator: build and start a fresh
// hardened ephemeral container for image.
func (o *Orchestrator) CreateWarm(ctx context.Context, host containerhost.Host, image string) (string, error) {
	id, err := o.createHardened(ctx, image, o.runtimeForImage(image))
	if err != nil {
		return "", err
	}
	if err := host.Start(ctx, id); err != nil {
		_ = host.Remove(context.Background(), id, true)
		return "", err
	}
	return id, nil
}

// runtimeForImage is a best-effort reverse lookup used only for
// container labeling during pool refills, where only the resolved image
// tag (not the original request) is available.
func (o *Orchestrator) runtimeForImage(image string) model.RuntimeName {
	o.imageCacheMu.Lock()
	defer o.imageCacheMu.Unlock()
	for rt, cached := range o.imageCache {
		if cached == image {
			return rt
		}
	}
	return ""
}

// Stop implements spec.md §4.6.12/§5: destroys the persistent container
// if any, and drains the pool.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.persistentMu.Lock()
	id := o.persistentContainer
	o.persistentContainer = ""
	o.persistentMu.Unlock()
	if id != "" {
		if err := o.host.Remove(ctx, id, true); err != nil {
			logging.WithComponent("orchestrator").Sugar().Warnw("failed to remove persistent container on stop", "error", err, "container_id", id)
		}
	}
	if o.pool != nil {
		o.pool.Drain(ctx)
	}
}
