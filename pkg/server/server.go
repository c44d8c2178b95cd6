// Package server exposes quota status, usage summaries and Prometheus metrics
// over HTTP so that dashboards can watch delegated services without shelling out.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/metrics"
	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/quota"
	"github.com/jingkaihe/handoff/pkg/services"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
	"github.com/jingkaihe/handoff/pkg/usage"
)

const (
	defaultUsageDays   = 7
	defaultErrorsLimit = 10
	maxErrorsLimit     = 1000
)

// Server serves the status API
type Server struct {
	router   *mux.Router
	config   *ServerConfig
	server   *http.Server
	registry *services.Registry
	policy   *quota.Policy
	store    usage.Store
	recorder *metrics.Recorder
	gatherer prometheus.Gatherer
	now      func() time.Time
}

// ServerConfig holds the configuration for the status server
type ServerConfig struct {
	Host string
	Port int
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Address returns host:port
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dependencies are the components the server reads from. Recorder and
// Gatherer are optional; without a Gatherer /metrics is not served.
type Dependencies struct {
	Registry *services.Registry
	Policy   *quota.Policy
	Store    usage.Store
	Recorder *metrics.Recorder
	Gatherer prometheus.Gatherer
}

// NewServer creates a new status server
func NewServer(config *ServerConfig, deps Dependencies) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	if deps.Registry == nil || deps.Policy == nil || deps.Store == nil {
		return nil, errors.New("registry, policy and store are required")
	}

	s := &Server{
		router:   mux.NewRouter(),
		config:   config,
		registry: deps.Registry,
		policy:   deps.Policy,
		store:    deps.Store,
		recorder: deps.Recorder,
		gatherer: deps.Gatherer,
		now:      time.Now,
	}
	s.setupRoutes()

	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// routes stay on the root router: a middleware-wrapped subrouter turns
	// method mismatches into 404s
	s.router.HandleFunc("/api/services", s.handleListServices).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleListStatus).Methods("GET")
	s.router.HandleFunc("/api/status/{service}", s.handleGetStatus).Methods("GET")
	s.router.HandleFunc("/api/usage", s.handleUsage).Methods("GET")
	s.router.HandleFunc("/api/errors/{service}", s.handleRecentErrors).Methods("GET")
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.router.Use(s.loggingMiddleware)
	if s.recorder != nil {
		s.router.Use(s.recorder.Middleware)
	}
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeErrorResponse(r.Context(), w, http.StatusMethodNotAllowed,
		fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path), nil)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Debug("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// handleListServices handles GET /api/services
func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSONResponse(w, map[string]any{
		"services": s.registry.Descriptors(),
	})
}

// handleListStatus handles GET /api/status
func (s *Server) handleListStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]delegation.QuotaStatus, 0, len(s.policy.Services()))
	for _, id := range s.policy.Services() {
		status, err := s.policy.Evaluate(r.Context(), id, s.store)
		if err != nil {
			s.writeErrorResponse(r.Context(), w, http.StatusInternalServerError, "failed to evaluate quota status", err)
			return
		}
		statuses = append(statuses, status)
	}

	s.writeJSONResponse(w, map[string]any{
		"store":    s.store.Location(),
		"services": statuses,
	})
}

// handleGetStatus handles GET /api/status/{service}
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["service"]

	status, err := s.policy.Evaluate(r.Context(), id, s.store)
	if err != nil {
		s.writeDomainError(r.Context(), w, "failed to evaluate quota status", err)
		return
	}
	s.writeJSONResponse(w, status)
}

// handleUsage handles GET /api/usage?service=&days=
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	days, err := intParam(query.Get("days"), defaultUsageDays)
	if err != nil || days < 1 {
		s.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "days must be a positive integer", nil)
		return
	}

	serviceID := query.Get("service")
	if serviceID != "" {
		if _, err := s.registry.Get(serviceID); err != nil {
			s.writeDomainError(r.Context(), w, "failed to summarize usage", err)
			return
		}
	}

	since := s.now().AddDate(0, 0, -days)
	records, err := s.store.Query(r.Context(), usage.QueryOptions{ServiceID: serviceID, Since: since})
	if err != nil {
		s.writeErrorResponse(r.Context(), w, http.StatusInternalServerError, "failed to query usage records", err)
		return
	}

	s.writeJSONResponse(w, usage.Summarize(records, since))
}

// handleRecentErrors handles GET /api/errors/{service}?limit=
func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["service"]

	limit, err := intParam(r.URL.Query().Get("limit"), defaultErrorsLimit)
	if err != nil || limit < 1 || limit > maxErrorsLimit {
		s.writeErrorResponse(r.Context(), w, http.StatusBadRequest,
			fmt.Sprintf("limit must be between 1 and %d", maxErrorsLimit), nil)
		return
	}

	if _, err := s.registry.Get(id); err != nil {
		s.writeDomainError(r.Context(), w, "failed to list recent errors", err)
		return
	}

	records, err := usage.Collect(s.store.RecentErrors(r.Context(), id, limit))
	if err != nil {
		s.writeErrorResponse(r.Context(), w, http.StatusInternalServerError, "failed to list recent errors", err)
		return
	}
	if records == nil {
		records = []delegation.UsageRecord{}
	}

	s.writeJSONResponse(w, map[string]any{
		"service_id": id,
		"errors":     records,
	})
}

func intParam(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

// writeDomainError maps unknown services to 404 and everything else to 500
func (s *Server) writeDomainError(ctx context.Context, w http.ResponseWriter, message string, err error) {
	var unknown *delegation.UnknownServiceError
	if errors.As(err, &unknown) {
		s.writeErrorResponse(ctx, w, http.StatusNotFound, unknown.Error(), nil)
		return
	}
	s.writeErrorResponse(ctx, w, http.StatusInternalServerError, message, err)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		logger.G(ctx).WithError(err).Error(message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error":   message,
		"status":  statusCode,
		"success": false,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.G(ctx).WithError(err).Error("failed to encode error response")
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	presenter.Info(fmt.Sprintf("Serving quota status on http://%s", s.config.Address()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "status server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Stop closes the server immediately
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
