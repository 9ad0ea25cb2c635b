package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse represents the overall health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Version    string                     `json:"version"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) ComponentHealth
	Name() string
}

// Server manages health check endpoints
type Server struct {
	port     int
	version  string
	logger   *slog.Logger
	checkers []Checker
	mu       sync.RWMutex
	server   *http.Server
}

// NewServer creates a new health check server
func NewServer(port int, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:     port,
		version:  version,
		logger:   logger.With("module", "health"),
		checkers: make([]Checker, 0),
	}
}

// RegisterChecker adds a new health checker
func (s *Server) RegisterChecker(checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, checker)
}

// Handler serves /health, /health/live and /health/ready
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/health/live", s.livenessHandler)
	mux.HandleFunc("/health/ready", s.readinessHandler)
	return mux
}

// Start serves the health endpoints on their own port
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health check server error", "error", err)
		}
	}()

	s.logger.Info("health check server started", "port", s.port)
	return nil
}

// Shutdown gracefully shuts down the health check server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Evaluate runs every checker and folds the results into one status.
// Degraded components do not make the whole service unhealthy.
func (s *Server) Evaluate(ctx context.Context) HealthResponse {
	s.mu.RLock()
	checkers := s.checkers
	s.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(checkers))
	overall := StatusHealthy
	for _, checker := range checkers {
		health := checker.Check(ctx)
		components[checker.Name()] = health

		switch {
		case health.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case health.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	if overall == StatusUnhealthy {
		s.logger.WarnContext(ctx, "health check failed", "components", components)
	}

	return HealthResponse{
		Status:     overall,
		Version:    s.version,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
}

// healthHandler returns detailed health status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := s.Evaluate(ctx)
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// livenessHandler returns basic liveness status (for Kubernetes)
func (s *Server) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// readinessHandler checks if the service is ready to handle requests
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.Evaluate(ctx).Status == StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// TemporalChecker checks Temporal server connectivity
type TemporalChecker struct {
	client client.Client
}

// NewTemporalChecker creates a new Temporal health checker
func NewTemporalChecker(c client.Client) *TemporalChecker {
	return &TemporalChecker{client: c}
}

// Name returns the checker name
func (t *TemporalChecker) Name() string {
	return "temporal"
}

// Check performs the health check
func (t *TemporalChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	_, err := t.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return result(err, "connected to Temporal server", time.Since(start))
}

// Pinger is anything with a cheap connectivity probe, such as the order store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a Pinger. Optional components report degraded
// instead of unhealthy when they fail.
type PingChecker struct {
	name     string
	target   Pinger
	optional bool
}

func NewPingChecker(name string, target Pinger, optional bool) *PingChecker {
	return &PingChecker{name: name, target: target, optional: optional}
}

func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	h := result(p.target.Ping(ctx), "ok", time.Since(start))
	if p.optional && h.Status == StatusUnhealthy {
		h.Status = StatusDegraded
	}
	return h
}

// RedisChecker checks the catalogue cache. The cache is optional, so a
// failure only degrades the service.
type RedisChecker struct {
	client redis.Cmdable
}

func NewRedisChecker(c redis.Cmdable) *RedisChecker {
	return &RedisChecker{client: c}
}

func (r *RedisChecker) Name() string { return "redis" }

func (r *RedisChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	h := result(r.client.Ping(ctx).Err(), "PONG", time.Since(start))
	if h.Status == StatusUnhealthy {
		h.Status = StatusDegraded
	}
	return h
}

func result(err error, okMessage string, latency time.Duration) ComponentHealth {
	if err != nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Status:  StatusHealthy,
		Message: okMessage,
		Latency: latency.String(),
	}
}

// HTTPChecker checks HTTP endpoint availability
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

// Name returns the checker name
func (h *HTTPChecker) Name() string {
	return h.name
}

// Check treats any response below 500 as reachable; the payment gateway
// answers unauthenticated probes with 401.
func (h *HTTPChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}

	resp, err := h.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("request failed: %v", err),
			Latency: latency.String(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusInternalServerError {
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
		Latency: latency.String(),
	}
}
