package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/batteryplan/pkg/controller"
	"github.com/raterudder/batteryplan/pkg/ess"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/storage"
)

const authTokenCookie = "auth_token"

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the planner over HTTP and optionally runs the update loop
// itself.
type Server struct {
	controller *controller.Controller

	listenAddr     string
	httpServer     *http.Server
	updateInterval time.Duration

	updateSpecificEmail string
	adminEmails         []string
	oidcAudience        string
	oidcVerifier        tokenVerifier
	bypassAuth          bool
	serverName          string
}

// Configured initializes the Server and its controller with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, device ess.Device) *Server {
	srv := &Server{
		serverName: "batteryplan",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	updateSpecificEmail := lflag.String("update-specific-email", "", "email to validate for /api/update")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to change plans and settings")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate Google id tokens against")
	bypassAuth := lflag.Bool("bypass-auth", false, "Skip authentication entirely (development only)")
	updateInterval := lflag.Duration("update-interval", 0, "Run an update on this interval instead of waiting for /api/update (0 disables)")

	lflag.Do(func() {
		// the device is only usable once its own flags are resolved
		srv.controller = controller.New(db, device)
		srv.listenAddr = *listenAddr
		srv.updateSpecificEmail = *updateSpecificEmail
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
		srv.bypassAuth = *bypassAuth
		srv.updateInterval = *updateInterval
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/update", s.requireAuth(s.handleUpdate, true))
	apiMux.HandleFunc("GET /api/plans", s.handleListPlans)
	apiMux.HandleFunc("GET /api/plans/active", s.handleActivePlan)
	apiMux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	apiMux.HandleFunc("POST /api/plans/manual", s.requireAuth(s.handleCreateManualPlan, false))
	apiMux.HandleFunc("POST /api/plans/{id}/activate", s.requireAuth(s.handleActivatePlan, false))
	apiMux.HandleFunc("POST /api/plans/{id}/deactivate", s.requireAuth(s.handleDeactivatePlan, false))
	apiMux.HandleFunc("GET /api/balancing", s.handleBalancingState)
	apiMux.HandleFunc("GET /api/weather", s.handleWeatherState)
	apiMux.HandleFunc("GET /api/history/actions", s.handleHistoryActions)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.requireAuth(s.handleUpdateSettings, false))
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.controller.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	if s.updateInterval > 0 {
		go s.runUpdates(ctx, s.updateInterval)
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
