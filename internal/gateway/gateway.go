// ABOUTME: Gateway orchestrator wiring store, router, state machine, conversations, and hub
// ABOUTME: Owns the HTTP server lifecycle and graceful shutdown ordering

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/squadops/squadhub/internal/agent"
	"github.com/squadops/squadhub/internal/auth"
	"github.com/squadops/squadhub/internal/config"
	"github.com/squadops/squadhub/internal/conversation"
	"github.com/squadops/squadhub/internal/execution"
	"github.com/squadops/squadhub/internal/hub"
	"github.com/squadops/squadhub/internal/router"
	"github.com/squadops/squadhub/internal/store"
)

// Gateway orchestrates the squadhub server components: the SQLite store, the
// agent registry, the message router, the execution state machine, the
// conversation manager with its deadline sweeper, and the event hub behind
// the SSE endpoints.
type Gateway struct {
	config        *config.Config
	store         *store.SQLiteStore
	registry      *agent.Registry
	hub           *hub.Hub
	router        *router.Router
	machine       *execution.StateMachine
	conversations *conversation.Manager
	sweeper       *conversation.Sweeper
	httpServer    *http.Server
	metricsReg    *prometheus.Registry
	logger        *slog.Logger
}

// New creates a Gateway with all components wired. The store path, hub
// tuning, and conversation deadlines come from the configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eventHub := hub.New(hub.Options{
		QueueSize:         cfg.Hub.QueueSize,
		ReplaySize:        cfg.Hub.ReplaySize,
		DropThreshold:     cfg.Hub.DropThreshold,
		SendTimeout:       cfg.Hub.SendTimeout,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
	}, metricsReg, logger)

	registry := agent.NewRegistry(logger)
	messageRouter := router.New(st, st, registry, eventHub, logger)
	machine := execution.NewStateMachine(st, messageRouter, logger)
	conversations := conversation.NewManager(
		st,
		messageRouter,
		st,
		cfg.Conversations.Timeout,
		cfg.Conversations.FollowUpTimeout,
		logger,
	)
	sweeper := conversation.NewSweeper(conversations, cfg.Conversations.SweepInterval, logger)

	g := &Gateway{
		config:        cfg,
		store:         st,
		registry:      registry,
		hub:           eventHub,
		router:        messageRouter,
		machine:       machine,
		conversations: conversations,
		sweeper:       sweeper,
		metricsReg:    metricsReg,
		logger:        logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Registry returns the in-process agent registry, used by embedding hosts to
// attach local agents before Run.
func (g *Gateway) Registry() *agent.Registry {
	return g.registry
}

// registerRoutes wires the API surface. Health and metrics stay outside the
// auth middleware; everything under /api/ requires a bearer token when a JWT
// secret is configured.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.metricsReg, promhttp.HandlerOpts{}))
	}

	authed := func(h http.HandlerFunc) http.Handler { return h }
	squadScoped := func(h http.HandlerFunc) http.Handler { return h }
	if g.config.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		authMW := auth.HTTPAuthMiddleware(verifier)
		squadMW := auth.RequireSquadHTTP("squad")
		authed = func(h http.HandlerFunc) http.Handler { return authMW(h) }
		squadScoped = func(h http.HandlerFunc) http.Handler { return authMW(squadMW(h)) }
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("POST /api/executions", authed(g.handleStartExecution))
	mux.Handle("GET /api/executions/{id}", authed(g.handleGetExecution))
	mux.Handle("GET /api/executions/{id}/logs", authed(g.handleListExecutionLogs))
	mux.Handle("GET /api/executions/{id}/messages", authed(g.handleListExecutionMessages))
	mux.Handle("GET /api/executions/{id}/envelopes", authed(g.handleExecutionEnvelopes))
	mux.Handle("GET /api/executions/{id}/events", authed(g.handleExecutionEvents))
	mux.Handle("POST /api/executions/{id}/transition", authed(g.handleTransition))
	mux.Handle("POST /api/executions/{id}/complete", authed(g.handleComplete))
	mux.Handle("POST /api/executions/{id}/error", authed(g.handleError))
	mux.Handle("POST /api/executions/{id}/cancel", authed(g.handleCancelExecution))
	mux.Handle("POST /api/executions/{id}/log", authed(g.handleAppendLog))

	mux.Handle("POST /api/messages", authed(g.handleSendMessage))
	mux.Handle("GET /api/messages/{id}", authed(g.handleGetMessage))

	mux.Handle("POST /api/conversations", authed(g.handleOpenConversation))
	mux.Handle("GET /api/conversations/{id}", authed(g.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/reply", authed(g.handleReply))
	mux.Handle("POST /api/conversations/{id}/cancel", authed(g.handleCancelConversation))

	mux.Handle("GET /api/squads/{squad}/executions", squadScoped(g.handleListSquadExecutions))
	mux.Handle("GET /api/squads/{squad}/envelopes", squadScoped(g.handleSquadEnvelopes))
	mux.Handle("GET /api/squads/{squad}/events", squadScoped(g.handleSquadEvents))
	mux.Handle("GET /api/squads/{squad}/members", squadScoped(g.handleListMembers))
	mux.Handle("POST /api/squads/{squad}/members", squadScoped(g.handleAddMember))
	mux.Handle("DELETE /api/squads/{squad}/members/{agent}", squadScoped(g.handleRemoveMember))
}

// Run starts the sweeper and the HTTP server and blocks until the context is
// canceled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, the sweeper, and the hub, then closes the
// store. The hub closes before the store so no late broadcast races a closed
// database.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.sweeper.Stop()
	g.hub.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.List()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
