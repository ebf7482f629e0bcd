package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/auth"
	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/discovery"
	"github.com/a2amesh/a2amesh/internal/discovery/store"
	"github.com/a2amesh/a2amesh/internal/events/bus"
	"github.com/a2amesh/a2amesh/internal/identity"
	"github.com/a2amesh/a2amesh/internal/orchestrator"
	"github.com/a2amesh/a2amesh/internal/runtime"
)

func main() {
	var (
		configPath   = flag.String("config", "", "directory containing config.yaml")
		agentID      = flag.String("agent-id", "orchestrator", "agent identifier for the orchestrator node")
		capabilities = flag.String("capabilities", "orchestration,workflow_management", "comma-separated capability list")
	)
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting A2A orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Identity store and auth manager
	ids, err := identity.NewStore(cfg.Identity.StorageDir, log)
	if err != nil {
		log.Fatal("Failed to open identity store", zap.Error(err))
	}

	secret := []byte(cfg.Auth.SecretKey)
	if len(secret) == 0 {
		secret, err = ids.LoadOrCreateSecret()
		if err != nil {
			log.Fatal("Failed to load token secret", zap.Error(err))
		}
	}
	authMgr := auth.NewManager(secret, cfg.Auth.TokenLifetimeDuration(), ids, log)

	// 4. Registry store and registry
	regStore, err := openRegistryStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open registry store", zap.Error(err))
	}
	defer regStore.Close()

	reg := discovery.NewRegistry(cfg.Discovery, regStore, log)
	if err := reg.Load(ctx); err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}

	// 5. Event bus
	eventBus, err := bus.Connect(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 6. Build the orchestrator's own agent and start it
	agent := runtime.NewAgent(runtime.Deps{
		Config:   cfg,
		Identity: ids,
		Auth:     authMgr,
		Registry: reg,
		Bus:      eventBus,
		Logger:   log,
	}, *agentID, splitList(*capabilities), nil)

	if err := agent.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize orchestrator agent", zap.Error(err))
	}
	if err := agent.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator agent", zap.Error(err))
	}

	orch := orchestrator.NewOrchestrator(agent, cfg.Orchestrator, log)
	log.Info("Orchestrator ready", zap.String("agent_id", agent.AgentID()))

	// 7. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down A2A orchestrator...")
	cancel()

	// Let running workflow executors drain before tearing down transport.
	orch.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := agent.Stop(shutdownCtx); err != nil {
		log.Error("Agent shutdown error", zap.Error(err))
	}

	log.Info("A2A orchestrator stopped")
}

func openRegistryStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Host == "" {
		return store.NewFileStore(cfg.Discovery.RegistryFile), nil
	}
	return store.NewPostgresStore(ctx, cfg.Database)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
