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
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raterudder/sunwaysbridge/pkg/configflow"
	"github.com/raterudder/sunwaysbridge/pkg/integration"
	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/storage"
)

// Server handles the HTTP API of the bridge: the config flow forms, the
// current state of every entry and the metrics endpoint.
type Server struct {
	manager   *integration.Manager
	storage   storage.Database
	newClient configflow.ClientFactory
	gatherer  prometheus.Gatherer

	// flowMu guards flow, only one flow runs at a time
	flowMu sync.Mutex
	flow   *configflow.Flow

	// apiSecret is a static bearer token accepted by the API
	apiSecret   string
	adminEmails []string
	verifyToken emailVerifier

	listenAddr string
	serverName string
	httpServer *http.Server
}

// New returns a server. Configured should be used outside of tests.
func New(m *integration.Manager, s storage.Database, newClient configflow.ClientFactory, g prometheus.Gatherer) *Server {
	return &Server{
		manager:    m,
		storage:    s,
		newClient:  newClient,
		gatherer:   g,
		serverName: "sunwaysbridge",
	}
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(m *integration.Manager, s storage.Database, newClient configflow.ClientFactory, g prometheus.Gatherer) *Server {
	srv := New(m, s, newClient, g)

	defaultAddr := "127.0.0.1:8080"
	if port := os.Getenv("PORT"); port != "" {
		defaultAddr = ":" + port
	}
	listenAddr := lflag.String("http-listen", defaultAddr, "HTTP server listen address")
	apiSecret := lflag.String("api-secret", os.Getenv("API_SECRET"), "bearer token required by the API, without one only local clients may use it")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the API with a Google ID token")
	oidcAudience := lflag.String("oidc-audience", "", "audience of Google ID tokens accepted by the API")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.apiSecret = *apiSecret
		for _, email := range strings.Split(*adminEmails, ",") {
			if email = strings.TrimSpace(email); email != "" {
				srv.adminEmails = append(srv.adminEmails, email)
			}
		}
		if *oidcAudience == "" {
			return
		}
		if len(srv.adminEmails) == 0 {
			panic("admin-emails is required with oidc-audience")
		}
		provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
		if err != nil {
			panic(fmt.Errorf("failed to create google oidc provider: %w", err))
		}
		srv.verifyToken = oidcEmailVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/flow/user", s.handleFlowUser)
	apiMux.HandleFunc("POST /api/flow/station", s.handleFlowStation)
	apiMux.HandleFunc("POST /api/flow/reauth", s.handleFlowReauth)
	apiMux.HandleFunc("GET /api/state", s.handleState)
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)
	apiMux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
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
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
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
