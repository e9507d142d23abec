// Package main is the agentpool server: the agent registry, the host pool and
// the allocation service behind one HTTP endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agenthandlers "github.com/kandev/agentpool/internal/agent/handlers"
	"github.com/kandev/agentpool/internal/agent/liveness"
	"github.com/kandev/agentpool/internal/agent/registry"
	"github.com/kandev/agentpool/internal/common/config"
	"github.com/kandev/agentpool/internal/common/httpmw"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/common/tracing"
	hosthandlers "github.com/kandev/agentpool/internal/host/handlers"
	"github.com/kandev/agentpool/internal/host/pool"
	"github.com/kandev/agentpool/internal/orchestrator"
	orchestratorhandlers "github.com/kandev/agentpool/internal/orchestrator/handlers"
	"github.com/kandev/agentpool/internal/secrets"
)

const serverName = "agentpool"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentpool: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agentpool")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanups []func()
	runCleanups := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	defer runCleanups()

	// 3. Storage and messaging
	stores, closeDB, err := provideStores(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	cleanups = append(cleanups, func() {
		if err := closeDB(); err != nil {
			log.Error("database close error", zap.Error(err))
		}
	})

	eventBus, coord, closeMessaging, err := provideMessaging(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect messaging: %w", err)
	}
	cleanups = append(cleanups, closeMessaging)

	// 4. Agent registry
	agents, err := registry.NewRegistry(stores.Agents, coord, eventBus, registry.Config{
		LockTimeout:    cfg.Agent.LockTimeoutDuration(),
		TokenCacheSize: cfg.Agent.TokenCacheSize,
		InstanceID:     cfg.Server.InstanceID,
	}, log)
	if err != nil {
		return fmt.Errorf("create agent registry: %w", err)
	}
	cleanups = append(cleanups, agents.Stop)
	if n, err := agents.Recover(ctx); err != nil {
		log.Warn("agent recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered stale agents", zap.Int("count", n))
	}
	if err := agents.Start(ctx); err != nil {
		return fmt.Errorf("start agent registry: %w", err)
	}

	// 5. Secrets and the host pool
	secretSvc := secrets.NewService(stores.Secrets, log)

	hostPool := pool.NewPool(stores.Hosts, agents, coord, eventBus, secretSvc, pool.Config{
		SocketPath:      cfg.Docker.SocketPath,
		APIVersion:      cfg.Docker.APIVersion,
		AgentImage:      cfg.Docker.AgentImage,
		ServerURL:       cfg.Docker.ServerURL,
		Network:         cfg.Docker.Network,
		CacheSize:       cfg.Host.CacheSize,
		CacheTTL:        cfg.Host.CacheTTLDuration(),
		LockTimeout:     cfg.Agent.LockTimeoutDuration(),
		AutoCreateLocal: cfg.Host.AutoCreateLocal,
		DefaultMaxSize:  cfg.Host.DefaultMaxSize,
		MaxIdle:         cfg.Host.MaxIdleDuration(),
		MaxOffline:      cfg.Host.MaxOfflineDuration(),
	}, log)
	if err := hostPool.Start(ctx); err != nil {
		return fmt.Errorf("start host pool: %w", err)
	}
	cleanups = append(cleanups, hostPool.Stop)
	if err := hostPool.Init(ctx); err != nil {
		log.Warn("host pool init failed", zap.Error(err))
	}

	sweeper := pool.NewSweeper(hostPool, pool.SweeperConfig{
		Interval:    cfg.Host.SweepIntervalDuration(),
		Concurrency: cfg.Host.SweepConcurrency,
	}, log)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	cleanups = append(cleanups, func() {
		if err := sweeper.Stop(); err != nil {
			log.Error("sweeper stop error", zap.Error(err))
		}
	})

	// 6. Orchestrator
	orchestratorSvc := orchestrator.NewService(agents, eventBus, orchestrator.ServiceConfig{
		RetryInterval: cfg.Agent.RetryIntervalDuration(),
	}, log)
	if err := orchestratorSvc.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	cleanups = append(cleanups, func() {
		if err := orchestratorSvc.Stop(); err != nil {
			log.Error("orchestrator stop error", zap.Error(err))
		}
	})

	// 7. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))

	agenthandlers.RegisterRoutes(router, agents, log)
	hosthandlers.RegisterRoutes(router, hostPool, log)
	orchestratorhandlers.RegisterRoutes(router, eventBus, log)
	secrets.RegisterRoutes(router, secretSvc, log)
	liveness.NewHandler(agents, coord, eventBus, cfg.Server.InstanceID, log).RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serverName})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("agentpool stopped")
	return nil
}
