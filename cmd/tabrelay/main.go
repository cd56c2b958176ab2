// Package main is the tabrelay entry point: a local-only relay between the
// browser extension and the coding-agent backend. One binary serves the
// WebSocket endpoint and the REST API on a single loopback port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/config"
	"github.com/tabrelay/tabrelay/internal/common/httpmw"
	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/db"
	"github.com/tabrelay/tabrelay/internal/driver"
	"github.com/tabrelay/tabrelay/internal/driver/inproc"
	"github.com/tabrelay/tabrelay/internal/driver/proc"
	"github.com/tabrelay/tabrelay/internal/events"
	"github.com/tabrelay/tabrelay/internal/gateway"
	"github.com/tabrelay/tabrelay/internal/session"
	"github.com/tabrelay/tabrelay/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting tabrelay",
		zap.String("project_root", cfg.Project.Path),
		zap.String("driver", cfg.Driver.Kind))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()

	unsubscribeTap, err := events.LogLifecycle(eventBus, log)
	if err != nil {
		log.Fatal("Failed to attach lifecycle log tap", zap.Error(err))
	}
	defer func() { _ = unsubscribeTap() }()

	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err), zap.String("dir", stateDir))
	}

	pool, err := db.Open(filepath.Join(stateDir, "tabrelay.db"))
	if err != nil {
		log.Fatal("Failed to open state database", zap.Error(err))
	}

	st, err := store.New(pool, stateDir, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	st.StartScreenshotReaper(ctx, cfg.Screenshots.TTL())

	factory, err := driverFactory(cfg, log)
	if err != nil {
		log.Fatal("Failed to configure agent driver", zap.Error(err))
	}

	manager, err := session.NewManager(cfg, st, eventBus, factory, log)
	if err != nil {
		log.Fatal("Failed to initialize session manager", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "tabrelay"))

	gw := gateway.New(cfg, manager, st, eventBus, log)
	gw.Register(router)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.BindHost, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("Relay listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down tabrelay...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	gw.CloseAll()
	manager.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// driverFactory builds the configured driver constructor. Each session gets
// its own driver instance.
func driverFactory(cfg *config.Config, log *logger.Logger) (session.DriverFactory, error) {
	switch cfg.Driver.Kind {
	case config.DriverProcess:
		if len(cfg.Driver.Command) == 0 {
			return nil, fmt.Errorf("driver.command is required for the process driver")
		}
		command := cfg.Driver.Command
		return func() (driver.Driver, error) {
			return proc.New(command, log)
		}, nil

	case config.DriverInproc:
		apiKey := os.Getenv(cfg.Driver.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("environment variable %s is not set", cfg.Driver.APIKeyEnv)
		}
		if cfg.Driver.Model == "" {
			return nil, fmt.Errorf("driver.model is required for the in-process driver")
		}
		opts := inproc.Options{Model: cfg.Driver.Model}
		return func() (driver.Driver, error) {
			return inproc.NewFromAPIKey(apiKey, opts, log)
		}, nil

	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Driver.Kind)
	}
}
