// Package server exposes the router over HTTP: the generate endpoint, the
// operational read-only endpoints and the Prometheus exposition.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/zerocost-ai/model-router/internal/config"
	"github.com/zerocost-ai/model-router/internal/gateway"
	"github.com/zerocost-ai/model-router/internal/metering"
	"github.com/zerocost-ai/model-router/internal/middleware"
	"github.com/zerocost-ai/model-router/internal/policy"
	"github.com/zerocost-ai/model-router/internal/registry"
	"github.com/zerocost-ai/model-router/internal/security"
	"github.com/zerocost-ai/model-router/internal/types"
)

// Server represents the HTTP server
type Server struct {
	gateway    *gateway.Gateway
	registry   *registry.Registry
	meter      *metering.Meter
	resolver   *policy.Resolver
	auth       *security.Authenticator
	limiter    *security.TierRateLimiter
	audit      *security.AuditLogger
	validation *middleware.ValidationMiddleware
	config     *config.Config
	logger     *logrus.Logger
	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(
	gw *gateway.Gateway,
	reg *registry.Registry,
	meter *metering.Meter,
	resolver *policy.Resolver,
	auth *security.Authenticator,
	limiter *security.TierRateLimiter,
	audit *security.AuditLogger,
	validation *middleware.ValidationMiddleware,
	cfg *config.Config,
	logger *logrus.Logger,
) *Server {
	return &Server{
		gateway:    gw,
		registry:   reg,
		meter:      meter,
		resolver:   resolver,
		auth:       auth,
		limiter:    limiter,
		audit:      audit,
		validation: validation,
		config:     cfg,
		logger:     logger,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Server.Port,
		Handler:        r,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Server.Port).Info("Starting model router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping model router server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	cors := s.config.Security.CORS
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.CORS(cors.AllowedOrigins, cors.AllowedMethods, cors.AllowedHeaders))
	r.Use(middleware.SecurityHeaders())
	r.Use(s.contentTypeMiddleware)
	if s.auth != nil {
		r.Use(s.auth.Middleware())
	}
	if s.validation != nil {
		r.Use(s.validation.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/generate", s.handleGenerate).Methods("POST")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/backends", s.handleBackends).Methods("GET")
	api.HandleFunc("/usage", s.handleUsage).Methods("GET")

	// Health check endpoint (no /v1 prefix)
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.setupDocsRoutes(r)

	return r
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleGenerate routes one generation request end to end. The rate limit is
// checked here rather than in a middleware because the tier lives in the body.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var in gateway.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if s.limiter != nil {
		tier, err := types.ParseTier(in.CustomerTier)
		if err == nil {
			rl := s.limiter.Allow(s.callerKey(r), tier)
			if !rl.Allowed {
				if s.audit != nil {
					s.audit.LogEvent(r.Context(), security.RateLimitExceeded, "tier rate limit exceeded", map[string]interface{}{
						"tier": string(tier),
					})
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.RetryAfter.Seconds())+1))
				s.writeErrorResponse(w, http.StatusTooManyRequests, "rate limit exceeded for tier")
				return
			}
		}
		// An unparseable tier falls through; the gateway rejects it with the
		// proper error shape.
	}

	result := s.gateway.Handle(r.Context(), in)

	status := http.StatusOK
	if result.Status != "success" {
		switch result.ErrorKind {
		case types.ErrKindInvalidTier:
			status = http.StatusBadRequest
		case types.ErrKindAllBackendsUnavailable:
			status = http.StatusServiceUnavailable
		case types.ErrKindBackendTimeout:
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusBadGateway
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

// handleHealth reports the breaker state of every backend. The endpoint is
// healthy as long as at least one backend is not open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.HealthSnapshot()

	anyAvailable := false
	for _, state := range snapshot {
		if state != types.HealthOpen {
			anyAvailable = true
			break
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !anyAvailable {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    status,
		"backends":  snapshot,
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// handleBackends lists the registered backends with class, cost and health.
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	type backendInfo struct {
		ID             string             `json:"id"`
		Class          types.BackendClass `json:"class"`
		CostPerRequest float64            `json:"cost_per_request"`
		Health         types.HealthState  `json:"health"`
	}

	backends := s.registry.All()
	out := make([]backendInfo, 0, len(backends))
	for _, b := range backends {
		out = append(out, backendInfo{
			ID:             b.ID,
			Class:          b.Class,
			CostPerRequest: b.CostPerRequest,
			Health:         b.Health(),
		})
	}

	thresholds := make(map[types.Tier]float64, len(types.Tiers()))
	for _, tier := range types.Tiers() {
		if th, ok := s.resolver.Threshold(tier); ok {
			thresholds[tier] = th
		}
	}

	response := map[string]interface{}{
		"backends":        out,
		"count":           len(out),
		"tier_thresholds": thresholds,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleUsage returns the metering aggregates.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"usage":     s.meter.Snapshot(),
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// callerKey identifies the caller for rate limiting: authenticated caller id
// when present, client address otherwise.
func (s *Server) callerKey(r *http.Request) string {
	if info, ok := r.Context().Value(security.ContextKeyAuthInfo).(*security.AuthInfo); ok && info != nil {
		return info.CallerID
	}
	if ip, ok := r.Context().Value(security.ContextKeyClientIP).(string); ok && ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Helper functions

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}
