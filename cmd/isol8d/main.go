// Command isol8d is the HTTP server binary wiring internal/httpapi,
// internal/engine, and internal/config. Grounded on the teacher's
// cmd/main.go wiring order (load env -> load config -> build dependencies
// -> start listener -> wait for signal -> graceful shutdown), minus the
// database/billing/AI layers that belong to apex-build, not isol8d.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"isol8/internal/config"
	"isol8/internal/engine"
	"isol8/internal/gate"
	"isol8/internal/httpapi"
	"isol8/internal/logging"
	"isol8/internal/model"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}
	logging.Init()
	defer logging.Sync()

	cfg := model.DefaultConfig()
	maxConcurrent := 10
	if configPath := getEnv("ISOL8_CONFIG", ""); configPath != "" {
		file, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("CRITICAL: failed to load config file %s: %v", configPath, err)
		}
		merged := config.Apply(file)
		cfg = merged.Engine
		maxConcurrent = merged.MaxConcurrent
	}
	if host := getEnv("DOCKER_HOST", ""); host != "" {
		cfg.DockerHost = host
	}

	engineOpts := engine.Options{Gate: gate.New(maxConcurrent)}

	srv, err := httpapi.New(httpapi.Config{
		APIKey:         getEnv("ISOL8_API_KEY", ""),
		JWTSecret:      getEnv("ISOL8_JWT_SECRET", ""),
		EngineConfig:   cfg,
		EngineOptions:  engineOpts,
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		SessionIdleTTL: time.Duration(getEnvInt("ISOL8_SESSION_IDLE_MINUTES", 30)) * time.Minute,
		Version:        getEnv("ISOL8_VERSION", "dev"),
	})
	if err != nil {
		log.Fatalf("CRITICAL: failed to construct http server: %v", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer startCancel()
	if err := srv.Start(startCtx, engine.PrewarmOptions{}); err != nil {
		log.Fatalf("CRITICAL: failed to start http server: %v", err)
	}
	log.Printf("prewarm complete, gate capacity %d", maxConcurrent)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("isol8d listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("CRITICAL: server failed: %v", err)
	case sig := <-quit:
		log.Printf("received signal %v, starting graceful shutdown", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("engine shutdown error: %v", err)
	}
	log.Println("graceful shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
