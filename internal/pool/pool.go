// Package pool implements the Container Pool (spec.md §4.4): pre-started
// containers per image, returned to a clean state deterministically, and
// destroyed once the relevant queue is at capacity. Grounded on the
// teacher's internal/sandbox/v2/manager.go (per-language template +
// quota bookkeeping) for configuration shape, generalized here from the
// teacher's create-per-request model into warm reusable containers.
package pool

import (
	"context"
	"sync"
	"time"

	"isol8/internal/containerhost"
	"isol8/internal/logging"
	"isol8/internal/model"
)

// Cleaner resets an acquired-for-reuse container to a pristine state
// (spec.md §4.4 cleanup contract). It is supplied by the orchestrator,
// which knows the sandbox user, network mode, and filesystem layout.
type Cleaner func(ctx context.Context, host containerhost.Host, containerID string, mode model.NetworkMode) error

// Creator builds and starts a fresh container for the given image,
// returning its ID. Supplied by the orchestrator, which knows the full
// hardened CreateSpec for that image (spec.md §4.6.2).
type Creator func(ctx context.Context, host containerhost.Host, image string) (string, error)

// Config configures one Pool instance.
type Config struct {
	Strategy  model.PoolStrategy
	CleanCap  int
	DirtyCap  int // fast strategy only
	Reclaim   time.Duration // fast strategy reclaimer tick, ~10ms per spec
}

// Pool manages warm containers per image under one strategy.
type Pool struct {
	cfg     Config
	host    containerhost.Host
	cleaner Cleaner
	creator Creator

	mu       sync.Mutex
	clean    map[string][]string // image -> container IDs ready for secure-strategy acquire, or fast-strategy clean queue
	dirty    map[string][]string // fast strategy only
	refiling map[string]bool     // image -> refill in flight

	reclaimCancel context.CancelFunc
	reclaimDone   chan struct{}
	draining      bool
}

// New constructs a Pool and, for the fast strategy, starts the
// background reclaimer.
func New(cfg Config, host containerhost.Host, cleaner Cleaner, creator Creator) *Pool {
	if cfg.CleanCap <= 0 {
		cfg.CleanCap = 4
	}
	if cfg.DirtyCap <= 0 {
		cfg.DirtyCap = 8
	}
	if cfg.Reclaim <= 0 {
		cfg.Reclaim = 10 * time.Millisecond
	}
	p := &Pool{
		cfg:      cfg,
		host:     host,
		cleaner:  cleaner,
		creator:  creator,
		clean:    make(map[string][]string),
		dirty:    make(map[string][]string),
		refiling: make(map[string]bool),
	}
	if cfg.Strategy == model.PoolFast {
		ctx, cancel := context.WithCancel(context.Background())
		p.reclaimCancel = cancel
		p.reclaimDone = make(chan struct{})
		go p.reclaimLoop(ctx)
	}
	return p
}

// Acquire returns a ready-to-exec container ID for image, creating one
// inline if the pool has nothing ready.
func (p *Pool) Acquire(ctx context.Context, image string) (string, error) {
	switch p.cfg.Strategy {
	case model.PoolFast:
		return p.acquireFast(ctx, image)
	default:
		return p.acquireSecure(ctx, image)
	}
}

func (p *Pool) acquireSecure(ctx context.Context, image string) (string, error) {
	p.mu.Lock()
	queue := p.clean[image]
	var id string
	if len(queue) > 0 {
		id, queue = queue[0], queue[1:]
		p.clean[image] = queue
	}
	p.mu.Unlock()

	if id == "" {
		return p.creator(ctx, p.host, image)
	}

	if err := p.cleaner(ctx, p.host, id, ""); err != nil {
		_ = p.host.Remove(context.Background(), id, true)
		return p.creator(ctx, p.host, image)
	}

	p.triggerRefill(image)
	return id, nil
}

func (p *Pool) acquireFast(ctx context.Context, image string) (string, error) {
	p.mu.Lock()
	queue := p.clean[image]
	var id string
	if len(queue) > 0 {
		id, queue = queue[0], queue[1:]
		p.clean[image] = queue
	}
	p.mu.Unlock()

	if id == "" {
		p.triggerRefill(image)
		return p.creator(ctx, p.host, image)
	}

	p.triggerRefill(image)
	return id, nil
}

// Release returns a container to the pool, or destroys it if the
// relevant queue is at capacity.
func (p *Pool) Release(ctx context.Context, image, containerID string) {
	if p.cfg.Strategy == model.PoolFast {
		p.releaseFast(ctx, image, containerID)
		return
	}
	p.releaseSecure(ctx, image, containerID)
}

func (p *Pool) releaseSecure(ctx context.Context, image, containerID string) {
	p.mu.Lock()
	if p.draining || len(p.clean[image]) >= p.cfg.CleanCap {
		p.mu.Unlock()
		if err := p.host.Remove(ctx, containerID, true); err != nil {
			logging.WithComponent("pool").Sugar().Warnw("failed to remove excess container", "error", err, "container_id", containerID)
		}
		return
	}
	p.clean[image] = append(p.clean[image], containerID)
	p.mu.Unlock()
}

func (p *Pool) releaseFast(ctx context.Context, image, containerID string) {
	p.mu.Lock()
	if p.draining || len(p.dirty[image]) >= p.cfg.DirtyCap {
		p.mu.Unlock()
		if err := p.host.Remove(ctx, containerID, true); err != nil {
			logging.WithComponent("pool").Sugar().Warnw("failed to remove excess container", "error", err, "container_id", containerID)
		}
		return
	}
	p.dirty[image] = append(p.dirty[image], containerID)
	p.mu.Unlock()
}

// triggerRefill schedules a background create-and-enqueue for image if
// one is not already in flight (secure strategy) — fast strategy relies
// on the reclaimer instead, but still uses this to top up from nothing.
func (p *Pool) triggerRefill(image string) {
	p.mu.Lock()
	if p.refiling[image] || p.draining {
		p.mu.Unlock()
		return
	}
	p.refiling[image] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.refiling[image] = false
			p.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		id, err := p.creator(ctx, p.host, image)
		if err != nil {
			logging.WithComponent("pool").Sugar().Warnw("background refill create failed, abandoning", "error", err, "image", image)
			return
		}
		p.mu.Lock()
		if p.draining || len(p.clean[image]) >= p.cfg.CleanCap {
			p.mu.Unlock()
			_ = p.host.Remove(context.Background(), id, true)
			return
		}
		p.clean[image] = append(p.clean[image], id)
		p.mu.Unlock()
	}()
}

// reclaimLoop periodically moves containers from dirty to clean after
// running cleanup, up to cleanCap readiness (fast strategy only).
func (p *Pool) reclaimLoop(ctx context.Context) {
	defer close(p.reclaimDone)
	ticker := time.NewTicker(p.cfg.Reclaim)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaimOnce(ctx)
		}
	}
}

func (p *Pool) reclaimOnce(ctx context.Context) {
	p.mu.Lock()
	images := make([]string, 0, len(p.dirty))
	for img := range p.dirty {
		images = append(images, img)
	}
	p.mu.Unlock()

	for _, image := range images {
		p.mu.Lock()
		if len(p.clean[image]) >= p.cfg.CleanCap || len(p.dirty[image]) == 0 {
			p.mu.Unlock()
			continue
		}
		id := p.dirty[image][0]
		p.dirty[image] = p.dirty[image][1:]
		p.mu.Unlock()

		if err := p.cleaner(ctx, p.host, id, ""); err != nil {
			_ = p.host.Remove(ctx, id, true)
			continue
		}

		p.mu.Lock()
		if p.draining || len(p.clean[image]) >= p.cfg.CleanCap {
			p.mu.Unlock()
			_ = p.host.Remove(ctx, id, true)
			continue
		}
		p.clean[image] = append(p.clean[image], id)
		p.mu.Unlock()
	}
}

// Warm blocks until the clean queue for image reaches cleanCap or a
// creation error surfaces.
func (p *Pool) Warm(ctx context.Context, image string) error {
	for {
		p.mu.Lock()
		n := len(p.clean[image])
		p.mu.Unlock()
		if n >= p.cfg.CleanCap {
			return nil
		}
		id, err := p.creator(ctx, p.host, image)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.clean[image] = append(p.clean[image], id)
		p.mu.Unlock()
	}
}

// Drain cancels the reclaimer, waits for pending refills, and removes
// every container in both queues.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	if p.reclaimCancel != nil {
		p.reclaimCancel()
		<-p.reclaimDone
	}

	for p.anyRefillInFlight() {
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	all := make([]string, 0)
	for _, ids := range p.clean {
		all = append(all, ids...)
	}
	for _, ids := range p.dirty {
		all = append(all, ids...)
	}
	p.clean = make(map[string][]string)
	p.dirty = make(map[string][]string)
	p.mu.Unlock()

	for _, id := range all {
		if err := p.host.Remove(ctx, id, true); err != nil {
			logging.WithComponent("pool").Sugar().Warnw("failed to remove container during drain", "error", err, "container_id", id)
		}
	}
}

func (p *Pool) anyRefillInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.refiling {
		if v {
			return true
		}
	}
	return false
}

// CleanLen and DirtyLen expose queue depth for tests and metrics.
func (p *Pool) CleanLen(image string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clean[image])
}

func (p *Pool) DirtyLen(image string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dirty[image])
}
