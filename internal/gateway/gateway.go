// ABOUTME: Gateway orchestrator: wires store, lifecycle, hub, notifications
// ABOUTME: Owns the HTTP server lifecycle and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/2389/harbor-support/internal/auth"
	"github.com/2389/harbor-support/internal/config"
	"github.com/2389/harbor-support/internal/handoff"
	"github.com/2389/harbor-support/internal/lifecycle"
	"github.com/2389/harbor-support/internal/notify"
	"github.com/2389/harbor-support/internal/presence"
	"github.com/2389/harbor-support/internal/store"
	"github.com/2389/harbor-support/internal/ws"
)

// Gateway is the composed server: REST surface, WebSocket hub, and
// the background unread reconciler.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	manager    *lifecycle.Manager
	tracker    *presence.Tracker
	hub        *ws.Hub
	router     *notify.Router
	reconciler *notify.Reconciler
	packager   *handoff.Packager
	verifier   *auth.JWTVerifier
	creations  *creationLimiter

	httpServer *http.Server
}

// New builds the gateway and all its collaborators from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	manager := lifecycle.New(sqlStore, logger)
	tracker := presence.NewTracker(cfg.Socket.TypingTTL, logger)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	hub := ws.NewHub(manager, tracker, ws.Config{
		PingInterval:      cfg.Socket.PingInterval,
		PongTimeout:       cfg.Socket.PongTimeout,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		MessageBurst:      cfg.RateLimit.MessageBurst,
	}, logger)

	router := notify.NewRouter(hub, logger)
	hub.SetRouter(router)

	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		store:      sqlStore,
		manager:    manager,
		tracker:    tracker,
		hub:        hub,
		router:     router,
		reconciler: notify.NewReconciler(sqlStore, hub, hub, cfg.Notifications.RefreshInterval, logger),
		packager:   handoff.NewPackager(manager, logger),
		verifier:   verifier,
		creations:  newCreationLimiter(rate.Every(2*time.Second), 5),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// routes assembles the HTTP surface: public health endpoints, the
// authenticated WebSocket upgrade, and the authenticated REST API.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(g.config.Server.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   g.config.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	// The socket path authenticates after the upgrade so a bad token
	// surfaces as a 4401 close frame instead of an opaque handshake
	// failure.
	r.With(auth.SocketMiddleware(g.verifier)).Handle("/ws", g.hub)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(g.verifier))

		r.Route("/api", func(r chi.Router) {
			r.Post("/conversations", g.handleCreateConversation)
			r.Get("/conversations", g.handleListConversations)
			r.Get("/conversations/{id}", g.handleGetConversation)
			r.Get("/conversations/{id}/messages", g.handleGetMessages)
			r.Post("/conversations/{id}/messages", g.handleAddMessage)
			r.Post("/conversations/{id}/read", g.handleMarkRead)
			r.Post("/handoff", g.handleHandoff)
			r.Get("/stats/unread", g.handleUnreadStats)
			r.Patch("/conversations/{id}/status", g.handleUpdateStatus)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Post("/conversations/{id}/assign", g.handleAssign)
				r.Get("/stats", g.handleStats)
			})
		})
	})

	return r
}

// Run starts the HTTP server and the unread reconciler, then blocks
// until the context is canceled or a server error occurs. Returns nil
// on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	reconcilerCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()
	go g.reconciler.Run(reconcilerCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown uses a fresh context since the run context is
// already canceled by the time shutdown starts.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, closes every socket, and releases
// background resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	g.hub.Shutdown()
	g.tracker.Close()
	g.router.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	return errors.Join(errs...)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady also verifies the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.GetConversationStats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
