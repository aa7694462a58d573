package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/taiwa-eval/taiwa/api"
	"github.com/taiwa-eval/taiwa/internal/auth"
	"github.com/taiwa-eval/taiwa/internal/budget"
	"github.com/taiwa-eval/taiwa/internal/catalog"
	"github.com/taiwa-eval/taiwa/internal/config"
	"github.com/taiwa-eval/taiwa/internal/mcp"
	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/ratelimit"
	"github.com/taiwa-eval/taiwa/internal/run"
	"github.com/taiwa-eval/taiwa/internal/server"
	"github.com/taiwa-eval/taiwa/internal/service/turns"
	"github.com/taiwa-eval/taiwa/internal/session"
	"github.com/taiwa-eval/taiwa/internal/simuser"
	"github.com/taiwa-eval/taiwa/internal/storage"
	"github.com/taiwa-eval/taiwa/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TAIWA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runMain(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func runMain(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("taiwa starting", "version", version, "port", cfg.Port, "task", cfg.Task)

	// Initialize OpenTelemetry. Disabled when no endpoint is configured.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the request log store. Migrations run on open.
	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Bootstrap the admin credential so teams can be registered.
	if cfg.AdminPassword != "" {
		hash, err := auth.HashSecret(cfg.AdminPassword)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		if err := store.UpsertAdmin(ctx, cfg.AdminName, hash); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("admin credential bootstrapped", "name", cfg.AdminName)
	} else {
		logger.Warn("no TAIWA_ADMIN_PASSWORD set, team registration unavailable")
	}

	// Load the task: topic catalog plus one simulated user per topic.
	cat, pool, err := loadTask(cfg, logger)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	logger.Info("task loaded", "task", cfg.Task, "topics", cat.Len())

	budgetSvc := budget.New(store, logger)
	runLimit := budget.Limit{Requests: cfg.RunBudgetLimit, Window: cfg.RunBudgetWindow}
	debugLimit := budget.Limit{Requests: cfg.DebugBudgetLimit, Window: cfg.DebugBudgetWindow}

	newSvc := func(mode model.Mode, limit budget.Limit) *turns.Service {
		return turns.New(
			mode,
			run.NewRegistry(mode, cat, store, logger),
			session.NewRegistry(),
			pool,
			store,
			budgetSvc,
			limit,
			logger,
		)
	}
	runSvc := newSvc(model.ModeRun, runLimit)
	debugSvc := newSvc(model.ModeDebug, debugLimit)

	// Read-only MCP surface over the submission namespace.
	mcpSrv := mcp.New(cat, runSvc, version, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitPerMinute)
		defer memLimiter.Close()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.Config{
		Store:               store,
		JWTMgr:              jwtMgr,
		RunSvc:              runSvc,
		DebugSvc:            debugSvc,
		BudgetSvc:           budgetSvc,
		RunLimit:            runLimit,
		DebugLimit:          debugLimit,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Optional standalone MCP listener, no HTTP auth in front. Meant for
	// local agents; keep it bound to localhost.
	var mcpHTTP *http.Server
	if cfg.MCPListenAddr != "" {
		mcpHTTP = &http.Server{
			Addr:         cfg.MCPListenAddr,
			Handler:      mcpserver.NewStreamableHTTPServer(mcpSrv.MCPServer()),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		g.Go(func() error {
			logger.Info("mcp server starting", "addr", cfg.MCPListenAddr)
			if err := mcpHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	}

	// Wait for a shutdown signal or a server failure, then drain.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("taiwa shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		if mcpHTTP != nil {
			if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
				slog.Error("mcp shutdown error", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("taiwa stopped")
	return nil
}

// loadTask builds the topic catalog and the simulated-user pool for the
// configured task. The dummy task is fully offline: scripted users walk
// a fixed agenda. Real tasks put an LLM persona behind every topic.
func loadTask(cfg config.Config, logger *slog.Logger) (*catalog.Catalog, *simuser.Pool, error) {
	var (
		cat *catalog.Catalog
		err error
	)
	if cfg.Task == "dummy" {
		cat = catalog.Dummy()
	} else {
		cat, err = catalog.Load(cfg.TopicsPath, cfg.PersonasPath)
		if err != nil {
			return nil, nil, err
		}
	}

	pool := simuser.NewPool()

	if cfg.Task == "dummy" {
		for _, topic := range cat.Topics() {
			p, ok := cat.Persona(topic.ID)
			if !ok {
				return nil, nil, fmt.Errorf("topic %s has no persona", topic.ID)
			}
			pool.Add(topic.ID, simuser.NewScriptedUser(p.UserID, p.Subtopics))
		}
		return cat, pool, nil
	}

	llm := simuser.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.ChatModel, cfg.EmbeddingModel, "")
	personaCfg := simuser.DefaultPersonaConfig()
	personaCfg.RubricThreshold = cfg.RubricThreshold
	personaCfg.MaxRetries = cfg.MaxRetries
	personaCfg.Candidates = cfg.Candidates

	for _, topic := range cat.Topics() {
		p, ok := cat.Persona(topic.ID)
		if !ok {
			return nil, nil, fmt.Errorf("topic %s has no persona", topic.ID)
		}
		if cfg.UserGuidance == "unguided" {
			pool.Add(topic.ID, simuser.NewUnguidedUser(topic, p, llm, personaCfg, logger))
		} else {
			pool.Add(topic.ID, simuser.NewPersonaUser(topic, p, llm, llm, personaCfg, logger))
		}
	}
	return cat, pool, nil
}
