package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/handler"
	"github.com/storefront/gatehouse/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	LoginRateLimit  int   // sign-in requests per minute per client IP; 0 disables
	MaxBodySize     int64 // bytes
	TLSCertFile     string
	TLSKeyFile      string
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		LoginRateLimit:  60,
		MaxBodySize:     1 << 20, // 1MB
		Version:         "dev",
	}
}

// Directory is the account store behind the operator endpoints, plus a
// liveness check for readiness probes.
type Directory interface {
	handler.AccountStore
	Ping(ctx context.Context) error
}

// FailureCounter reports how many audit writes have failed.
type FailureCounter interface {
	Failures() int64
}

// Deps are the components the server routes requests to.
type Deps struct {
	Directory Directory
	Auth      *gateway.Authenticator
	Tokens    middleware.TokenValidator
	Passwords handler.PasswordSetter
	Ledger    handler.AuditQuerier
	Audit     FailureCounter
	Gate      *authz.Gate
	Clock     clockwork.Clock
}

// Server is the top-level HTTP server for gatehouse. It owns the Chi router
// and routes sign-in, session and operator requests to the gateway.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Gate == nil {
		deps.Gate = authz.New()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.Version).ServeSpec)

	authenticate := middleware.Authenticate(s.deps.Tokens, s.deps.Auth)
	require := func(c authz.Capability) func(http.Handler) http.Handler {
		return middleware.Require(s.deps.Gate, c)
	}

	r.Route("/api/v1", func(r chi.Router) {
		sessions := handler.NewSessionHandler(s.deps.Auth, s.deps.Gate, s.deps.Clock)

		r.Route("/auth", func(r chi.Router) {
			// Sign-in is unauthenticated and throttled per client IP.
			r.Group(func(r chi.Router) {
				if s.cfg.LoginRateLimit > 0 {
					r.Use(middleware.RateLimit(s.cfg.LoginRateLimit))
				}
				r.Post("/session", sessions.Login)
				r.Post("/federated", sessions.LoginFederated)
			})

			r.Group(func(r chi.Router) {
				r.Use(authenticate)
				r.Get("/session", sessions.Current)
				r.Delete("/session", sessions.Logout)
				r.Post("/session/refresh", sessions.Refresh)
			})
		})

		r.Route("/system", func(r chi.Router) {
			r.Use(authenticate)

			accounts := handler.NewAccountHandler(s.deps.Directory, s.deps.Passwords, s.deps.Auth.Lockout(), s.logger)
			r.With(require(authz.AccountsRead)).Get("/account", accounts.ListAccounts)
			r.With(require(authz.AccountsManage)).Post("/account", accounts.CreateAccount)
			r.With(require(authz.AccountsRead)).Get("/account/{id}", accounts.GetAccount)
			r.With(require(authz.AccountsManage)).Put("/account/{id}", accounts.UpdateAccount)
			r.With(require(authz.AccountsManage)).Post("/account/{id}/unlock", accounts.UnlockAccount)

			audit := handler.NewAuditHandler(s.deps.Ledger)
			r.With(require(authz.AuditRead)).Get("/audit", audit.ListEntries)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 503 when the account directory
// is unreachable. Audit write failures are reported but do not fail the
// probe: sign-in decisions never depend on the ledger.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Directory.Ping(ctx); err != nil {
		checks["directory"] = "error: " + err.Error()
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["directory"] = "ok"
	}
	if s.deps.Audit != nil {
		checks["audit_write_failures"] = s.deps.Audit.Failures()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or a SIGINT or SIGTERM is received. It then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" {
			s.logger.Info("server starting", "addr", addr, "tls", true)
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			s.logger.Info("server starting", "addr", addr)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
