package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/canvas/internal/admission"
	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/orchestrator"
	"github.com/seantiz/canvas/internal/projector"
	"github.com/seantiz/canvas/internal/result"
	"github.com/seantiz/canvas/internal/settings"
	"github.com/seantiz/canvas/internal/source"
	"github.com/seantiz/canvas/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultListLimit = 20
	maxListLimit     = 100
	maxBodyBytes     = 1 << 20 // 1 MB
)

// Deps are the application services the HTTP surface drives.
type Deps struct {
	Store        store.Store
	Registry     *source.Registry
	Orchestrator *orchestrator.Orchestrator
	Holder       *projector.Holder
	Broker       *projector.Broker
	Ledger       *admission.Ledger
	Results      *result.Store
	Settings     *settings.Service
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	registry *source.Registry
	orch     *orchestrator.Orchestrator
	holder   *projector.Holder
	broker   *projector.Broker
	ledger   *admission.Ledger
	results  *result.Store
	settings *settings.Service
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    d.Store,
		registry: d.Registry,
		orch:     d.Orchestrator,
		holder:   d.Holder,
		broker:   d.Broker,
		ledger:   d.Ledger,
		results:  d.Results,
		settings: d.Settings,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.instrument)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Get("/v1/state", s.handleGetState)
	s.router.Get("/v1/state/stream", s.handleStreamState)

	s.router.Put("/v1/form", s.handlePutForm)
	s.router.Post("/v1/form/from/{id}", s.handleFormFromArtifact)

	s.router.Route("/v1/generations", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleListGenerations)
		r.Post("/current/cancel", s.handleCancel)
		r.Post("/current/dismiss", s.handleDismiss)
		r.Post("/current/ack", s.handleAcknowledge)
		r.Get("/{id}", s.handleGetGeneration)
	})

	s.router.Get("/v1/artifacts/{id}", s.handleGetArtifact)

	s.router.Get("/v1/balance", s.handleGetBalance)
	s.router.Post("/v1/balance/topup", s.handleTopUp)

	s.router.Get("/v1/settings", s.handleGetSettings)
	s.router.Put("/v1/settings", s.handlePutSettings)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Stream subscribers hold their connections open until the broker closes.
	if s.broker != nil {
		s.broker.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// errorResponse is the body written for classified application errors.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeAppError maps err onto an HTTP status through its sentinel.
// Unclassified errors are logged and reported as 500 without detail.
func (s *Server) writeAppError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, "internal error")
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Field: apperrors.FieldOf(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrAdmissionDenied):
		return http.StatusPaymentRequired
	case errors.Is(err, apperrors.ErrJobInFlight), errors.Is(err, apperrors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrTerminalBackend), errors.Is(err, apperrors.ErrTransientBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
