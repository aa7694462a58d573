package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/taiwa-eval/taiwa/internal/auth"
	"github.com/taiwa-eval/taiwa/internal/budget"
	"github.com/taiwa-eval/taiwa/internal/ratelimit"
	"github.com/taiwa-eval/taiwa/internal/service/turns"
	"github.com/taiwa-eval/taiwa/internal/storage"
)

// Server is the Taiwa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec.
type Config struct {
	// Required dependencies.
	Store     storage.Store
	JWTMgr    *auth.JWTManager
	RunSvc    *turns.Service
	DebugSvc  *turns.Service
	BudgetSvc *budget.Service
	Logger    *slog.Logger

	// Per-mode budget limits, reported by the budget check endpoint.
	RunLimit   budget.Limit
	DebugLimit budget.Limit

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	jwtMgr              *auth.JWTManager
	runSvc              *turns.Service
	debugSvc            *turns.Service
	budgetSvc           *budget.Service
	runLimit            budget.Limit
	debugLimit          budget.Limit
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		store:               cfg.Store,
		jwtMgr:              cfg.JWTMgr,
		runSvc:              cfg.RunSvc,
		debugSvc:            cfg.DebugSvc,
		budgetSvc:           cfg.BudgetSvc,
		runLimit:            cfg.RunLimit,
		debugLimit:          cfg.DebugLimit,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		openapiSpec:         cfg.OpenAPISpec,
	}

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	teamRL := ratelimit.Middleware(cfg.Limiter, teamKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Credential exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.HandleFunc("GET /auth/verify", h.HandleAuthVerify)

	// Team registration (admin only).
	mux.Handle("POST /auth/teams", requireAdmin(http.HandlerFunc(h.HandleCreateTeam)))

	// Evaluation runs (team, rate limited).
	mux.Handle("POST /run/start", teamRL(h.handleStart(cfg.RunSvc)))
	mux.Handle("POST /run/continue", teamRL(h.handleContinue(cfg.RunSvc)))
	mux.Handle("GET /run/session", teamRL(h.handleSession(cfg.RunSvc)))
	mux.Handle("GET /run/status", teamRL(http.HandlerFunc(h.HandleRunStatus)))
	mux.Handle("GET /run/dump", teamRL(http.HandlerFunc(h.HandleRunDump)))
	mux.Handle("GET /run/verify", teamRL(http.HandlerFunc(h.HandleRunVerify)))

	// Rehearsal runs (team, rate limited, memory-only namespace).
	mux.Handle("POST /debug/start", teamRL(h.handleStart(cfg.DebugSvc)))
	mux.Handle("POST /debug/continue", teamRL(h.handleContinue(cfg.DebugSvc)))
	mux.Handle("GET /debug/session", teamRL(h.handleSession(cfg.DebugSvc)))

	// Budgets.
	mux.HandleFunc("GET /budget/check", h.HandleBudgetCheck)
	mux.Handle("POST /budget/reset", requireAdmin(http.HandlerFunc(h.HandleBudgetReset)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// teamKeyFunc extracts the team ID from the request context for rate
// limiting. Admins are exempt.
func teamKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.Admin {
		return ""
	}
	return "team:" + claims.TeamID
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
