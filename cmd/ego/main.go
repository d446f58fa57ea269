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

	"github.com/joho/godotenv"
	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/api"
	"github.com/qzbxwv/EGO/internal/bus"
	"github.com/qzbxwv/EGO/internal/config"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/prompt"
	"github.com/qzbxwv/EGO/internal/sandbox"
	pgstore "github.com/qzbxwv/EGO/internal/store"
	"github.com/qzbxwv/EGO/internal/tool"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/ego.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting EGO...", zap.String("config", cfgPath))
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model backend
	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize backend", zap.Error(err))
	}

	// Redis: event bus and shared key rotation
	var eventBus *bus.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := bus.New(ctx, cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without event bus", zap.Error(busErr))
		} else {
			eventBus = b
			backend.SetRotator(b.Counter(backend.Name()))
		}
	}

	// PostgreSQL: sessions and turn history
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	catalog, err := prompt.Load(cfg.ModesFile)
	if err != nil {
		logger.Fatal("failed to load modes", zap.String("path", cfg.ModesFile), zap.Error(err))
	}

	// Tools
	tools := []tool.Tool{tool.NewSearch(backend)}
	var runner *sandbox.Runner
	stopProbing := func() {}
	if cfg.Tools.Sandbox.IsEnabled() {
		runner = sandbox.NewRunner(ctx, cfg.Tools.Sandbox.Runner(), logger)
		if s, pErr := runner.StartProbing(cfg.Tools.Sandbox.ProbeSchedule); pErr != nil {
			logger.Warn("sandbox probing disabled", zap.Error(pErr))
		} else {
			stopProbing = s
		}
		tools = append(tools, tool.NewCode(runner))
	}
	tools = append(tools,
		tool.NewCalculator(),
		tool.NewWiki(cfg.Tools.WikiLanguage, cfg.Tools.WikiEndpoint),
		tool.NewCritic(backend),
	)
	registry, err := tool.NewRegistry(tools...)
	if err != nil {
		logger.Fatal("failed to register tools", zap.Error(err))
	}
	logger.Info("Tools registered", zap.Strings("tools", registry.Names()))

	// Agent
	var opts []agent.Option
	if pgStore != nil {
		opts = append(opts, agent.WithRecorder(pgStore))
	}
	if eventBus != nil {
		opts = append(opts, agent.WithPublisher(eventBus))
	}
	ego := agent.New(backend, catalog, registry, cfg.Agent, logger, opts...)

	// HTTP
	var handlerOpts []api.Option
	if pgStore != nil {
		handlerOpts = append(handlerOpts, api.WithSessions(pgStore))
	}
	if eventBus != nil {
		handlerOpts = append(handlerOpts, api.WithEvents(eventBus))
	}
	if runner != nil {
		handlerOpts = append(handlerOpts, api.WithSandbox(runner))
	}
	handler := api.NewHandler(ego, logger, handlerOpts...)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("EGO listening", zap.String("port", port), zap.String("backend", backend.Name()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down EGO...")
	stopProbing()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	if eventBus != nil {
		eventBus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

type rotatableBackend interface {
	llm.Backend
	SetRotator(llm.Rotator)
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (rotatableBackend, error) {
	keys := cfg.Backend.Keys()
	switch cfg.Backend.Type {
	case config.BackendOpenAI:
		b, err := llm.NewOpenAIBackend(keys, llm.OpenAIConfig{
			Model:    cfg.Backend.Model,
			Endpoint: cfg.Backend.Endpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		b, err := llm.NewGeminiBackend(ctx, keys, llm.GeminiConfig{
			Model:       cfg.Backend.Model,
			InlineLimit: cfg.Backend.InlineLimitBytes,
			UploadDir:   cfg.Backend.UploadDir,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}
