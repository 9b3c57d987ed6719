package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthChecker is implemented by components that can report their health.
type HealthChecker interface {
	// HealthCheck returns nil if healthy, error if unhealthy
	HealthCheck(ctx context.Context) error
	// Name returns the name of the component being checked
	Name() string
}

// HealthStatus is the per-component outcome of a health pass.
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "healthy" or "unhealthy"
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse is the aggregate health report.
type HealthResponse struct {
	Status     string         `json:"status"` // "healthy" or "unhealthy"
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
}

// HealthManager runs registered health checks with a shared timeout.
type HealthManager struct {
	logger   *zap.Logger
	checkers []HealthChecker
	timeout  time.Duration
}

// NewHealthManager creates a new health manager.
func NewHealthManager(logger *zap.Logger) *HealthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthManager{
		logger:   logger,
		checkers: make([]HealthChecker, 0),
		timeout:  5 * time.Second,
	}
}

// AddHealthChecker registers a health checker.
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.checkers = append(hm.checkers, checker)
}

// SetTimeout sets the timeout for a health pass.
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.timeout = timeout
}

// HealthzHandler returns an HTTP handler for the /healthz endpoint.
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := hm.checkHealth(ctx)

		statusCode := http.StatusOK
		if response.Status != "healthy" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			hm.logger.Error("Failed to encode health response", zap.Error(err))
		}
	}
}

func (hm *HealthManager) checkHealth(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make([]HealthStatus, 0, len(hm.checkers)),
	}

	for _, checker := range hm.checkers {
		start := time.Now()
		status := HealthStatus{
			Name:   checker.Name(),
			Status: "healthy",
		}

		if err := checker.HealthCheck(ctx); err != nil {
			status.Status = "unhealthy"
			status.Error = err.Error()
			response.Status = "unhealthy"
			hm.logger.Warn("Health check failed",
				zap.String("component", checker.Name()),
				zap.Error(err))
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}

	return response
}

// GetHealthStatus runs a health pass without HTTP context.
func (hm *HealthManager) GetHealthStatus() HealthResponse {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.checkHealth(ctx)
}

// IsHealthy returns true if all health checks pass.
func (hm *HealthManager) IsHealthy() bool {
	return hm.GetHealthStatus().Status == "healthy"
}
