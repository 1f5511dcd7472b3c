// Package httpapi is the HTTP control plane (spec.md §6.2), an external
// collaborator around the engine. Grounded on the teacher's cmd/main.go
// gin wiring and internal/handlers.Handler dependency-bag pattern, scaled
// down to the routes §6.2 names plus the session-token enrichment noted
// in the domain-stack notes.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"isol8/internal/engine"
	"isol8/internal/logging"
	"isol8/internal/metrics"
	"isol8/internal/model"
)

// Config configures one Server.
type Config struct {
	APIKey         string // static Bearer key; when empty, only session tokens are accepted
	JWTSecret      string // signs session tokens minted by POST /session
	EngineConfig   model.Config
	EngineOptions  engine.Options
	RedisAddr      string        // empty disables session idle-pruning via Redis
	SessionIdleTTL time.Duration // default 30m
	Version        string
}

// Server bundles the gin router with the ephemeral engine and the
// session-keyed persistent-engine store.
type Server struct {
	cfg       Config
	router    *gin.Engine
	ephemeral *engine.Engine
	sessions  *sessionStore
	metrics   *metrics.Metrics
	jwtSecret []byte
}

// New builds a Server. It constructs (but does not Start) the ephemeral
// engine used by session-less requests.
func New(cfg Config) (*Server, error) {
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 30 * time.Minute
	}

	ephemeral, err := engine.New(cfg.EngineConfig, cfg.EngineOptions)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	s := &Server{
		cfg:       cfg,
		ephemeral: ephemeral,
		sessions:  newSessionStore(rdb, cfg.SessionIdleTTL, cfg.EngineConfig, cfg.EngineOptions),
		metrics:   metrics.Get(),
		jwtSecret: []byte(cfg.JWTSecret),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Router returns the underlying gin engine (for tests and for embedding
// in an *http.Server).
func (s *Server) Router() *gin.Engine { return s.router }

// Start warms the ephemeral engine's pool and begins session idle-pruning.
// ctx bounds the warm-up only; pruning keeps running after ctx is done.
func (s *Server) Start(ctx context.Context, prewarm engine.PrewarmOptions) error {
	if err := s.ephemeral.Start(ctx, prewarm); err != nil {
		return err
	}
	go s.sessions.pruneLoop(context.WithoutCancel(ctx))
	return nil
}

// Stop tears down the ephemeral engine and every live session engine.
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.stopAll(ctx)
	return s.ephemeral.Stop(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.metricsMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/")
	authed.Use(s.requireAuth())
	authed.POST("/execute", s.handleExecute)
	authed.POST("/execute/stream", s.handleExecuteStream)
	authed.POST("/file", s.handlePutFile)
	authed.GET("/file", s.handleGetFile)
	authed.DELETE("/session/:id", s.handleDeleteSession)
	authed.POST("/session", s.handleCreateSession)

	return r
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		s.metrics.RecordHTTPRequest(route, c.Request.Method, statusBucket(c.Writer.Status()), time.Since(start))
	}
}

func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "version": s.cfg.Version})
}

func init() {
	logging.Init()
}
