package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"isol8/internal/engine"
	"isol8/internal/logging"
	"isol8/internal/model"
)

// sessionStore maps a caller-chosen sessionId to a persistent-mode Engine,
// created lazily on first use (spec.md §6.2: "created on first use, pruned
// by idle age"). The idle clock is Redis's own TTL: every touch refreshes
// the key's expiry, and a background loop evicts in-process engines whose
// Redis key has disappeared. Grounded on the teacher's internal/cache
// usage of Redis for ephemeral, not durable, state.
type sessionStore struct {
	mu      sync.Mutex
	engines map[string]*engine.Engine

	rdb         *redis.Client
	idleTTL     time.Duration
	cfgTemplate model.Config
	engineOpts  engine.Options
}

func newSessionStore(rdb *redis.Client, idleTTL time.Duration, cfgTemplate model.Config, opts engine.Options) *sessionStore {
	return &sessionStore{
		engines:     make(map[string]*engine.Engine),
		rdb:         rdb,
		idleTTL:     idleTTL,
		cfgTemplate: cfgTemplate,
		engineOpts:  opts,
	}
}

func sessionRedisKey(id string) string { return "isol8:session:" + id }

// getOrCreate returns the persistent engine for id, constructing one on
// first use.
func (s *sessionStore) getOrCreate(ctx context.Context, id string) (*engine.Engine, error) {
	s.mu.Lock()
	e, ok := s.engines[id]
	if !ok {
		cfg := s.cfgTemplate
		cfg.Lifecycle = model.LifecyclePersistent
		var err error
		e, err = engine.New(cfg, s.engineOpts)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.engines[id] = e
	}
	s.mu.Unlock()

	s.touch(ctx, id)
	return e, nil
}

func (s *sessionStore) touch(ctx context.Context, id string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, sessionRedisKey(id), "1", s.idleTTL).Err(); err != nil {
		logging.WithComponent("httpapi.session").Sugar().Warnw("redis touch failed", "session_id", id, "error", err)
	}
}

// delete tears down and removes a session immediately (DELETE /session/:id).
func (s *sessionStore) delete(ctx context.Context, id string) {
	s.mu.Lock()
	e, ok := s.engines[id]
	delete(s.engines, id)
	s.mu.Unlock()

	if ok {
		e.Stop(ctx)
	}
	if s.rdb != nil {
		s.rdb.Del(ctx, sessionRedisKey(id))
	}
}

func (s *sessionStore) stopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.delete(ctx, id)
	}
}

// pruneLoop evicts sessions whose Redis key has expired. A no-op when no
// Redis address was configured (sessions then live until the process
// exits or are explicitly DELETEd).
func (s *sessionStore) pruneLoop(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	ticker := time.NewTicker(s.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *sessionStore) pruneOnce(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		n, err := s.rdb.Exists(ctx, sessionRedisKey(id)).Result()
		if err != nil {
			logging.WithComponent("httpapi.session").Sugar().Warnw("redis exists check failed", "session_id", id, "error", err)
			continue
		}
		if n == 0 {
			s.delete(ctx, id)
		}
	}
}
