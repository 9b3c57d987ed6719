// Package httpapi serves the management API: anomaly triage, trust
// administration, audit queries, statistics, and a one-shot execution
// endpoint, all behind a chi router.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mcp-toolgate/toolgate-go/internal/anomaly"
	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/gate"
	"github.com/mcp-toolgate/toolgate-go/internal/observability"
	"github.com/mcp-toolgate/toolgate-go/internal/storage"
	"github.com/mcp-toolgate/toolgate-go/internal/trust"
)

const requestTimeout = 60 * time.Second

// Server exposes the gate over HTTP.
type Server struct {
	executor *gate.SecureExecutor
	store    *storage.BoltStore
	metrics  *observability.Metrics
	health   *observability.HealthManager
	logger   *zap.Logger
	router   *chi.Mux
	apiKey   string
	started  time.Time
}

// Config wires the server's collaborators. Store, Metrics, and Health are
// optional; an empty APIKey disables authentication (local use only).
type Config struct {
	Executor *gate.SecureExecutor
	Store    *storage.BoltStore
	Metrics  *observability.Metrics
	Health   *observability.HealthManager
	Logger   *zap.Logger
	APIKey   string
}

// NewServer builds the management API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		executor: cfg.Executor,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		health:   cfg.Health,
		logger:   cfg.Logger,
		router:   chi.NewRouter(),
		apiKey:   cfg.APIKey,
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	if s.health != nil {
		s.router.Get("/healthz", s.health.HealthzHandler())
	} else {
		s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
	}

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(s.apiKeyAuthMiddleware())

		r.Get("/status", s.handleGetStatus)
		r.Get("/statistics", s.handleGetStatistics)

		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", s.handleListAnomalies)
			r.Get("/thresholds", s.handleGetThresholds)
			r.Post("/thresholds", s.handleConfigureThresholds)
			r.Post("/{id}/status", s.handleUpdateAnomalyStatus)
		})

		r.Route("/trust", func(r chi.Router) {
			r.Get("/", s.handleListTrust)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", s.handleGetTrust)
				r.Post("/", s.handleGrantTrust)
				r.Delete("/", s.handleRevokeTrust)
				r.Post("/whitelist", s.handleWhitelistTool)
				r.Post("/blacklist", s.handleBlacklistTool)
			})
		})

		r.Post("/execute", s.handleExecute)

		if s.store != nil {
			r.Get("/audit/events", s.handleListAuditEvents)
		}
	})
}

func (s *Server) apiKeyAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != s.apiKey {
				s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, map[string]any{
		"running":        true,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.executor.GetStatistics())
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := anomaly.Filter{
		UserID:   q.Get("user_id"),
		ServerID: q.Get("server_id"),
		ToolName: q.Get("tool_name"),
		Severity: anomaly.Severity(q.Get("severity")),
		Status:   anomaly.Status(q.Get("status")),
	}

	var anomalies []*anomaly.Anomaly
	if q.Get("active") == "true" {
		anomalies = s.executor.Anomalies().ActiveAnomalies(filter)
	} else {
		anomalies = s.executor.Anomalies().Anomalies(filter)
	}
	s.writeSuccess(w, map[string]any{
		"anomalies": anomalies,
		"total":     len(anomalies),
	})
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.executor.Anomalies().Thresholds())
}

func (s *Server) handleConfigureThresholds(w http.ResponseWriter, r *http.Request) {
	var updates map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid threshold payload")
		return
	}
	s.executor.Anomalies().ConfigureThresholds(updates)
	s.writeSuccess(w, s.executor.Anomalies().Thresholds())
}

func (s *Server) handleUpdateAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status    anomaly.Status `json:"status"`
		UpdatedBy string         `json:"updated_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		s.writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	if err := s.executor.Anomalies().UpdateStatus(id, body.Status, body.UpdatedBy); err != nil {
		if errors.Is(err, anomaly.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"id": id, "status": body.Status})
}

func (s *Server) handleListTrust(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, map[string]any{
		"servers": s.executor.Trust().Snapshot(),
		"summary": s.executor.Trust().Summarize(),
	})
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	s.writeSuccess(w, s.executor.Trust().GetServerTrust(serverID))
}

func (s *Server) handleGrantTrust(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	var body struct {
		Level     trust.Level `json:"level"`
		ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trust payload")
		return
	}
	switch body.Level {
	case trust.LevelTrusted, trust.LevelUntrusted, trust.LevelSandboxed:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown trust level")
		return
	}

	s.executor.Trust().GrantServerTrust(serverID, body.Level, trust.ProvenanceUser, body.ExpiresAt)
	s.writeSuccess(w, s.executor.Trust().GetServerTrust(serverID))
}

func (s *Server) handleRevokeTrust(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	s.executor.Trust().RevokeServerTrust(serverID)
	s.writeSuccess(w, map[string]any{"server_id": serverID, "revoked": true})
}

func (s *Server) handleWhitelistTool(w http.ResponseWriter, r *http.Request) {
	s.handleToolListMutation(w, r, s.executor.Trust().WhitelistTool)
}

func (s *Server) handleBlacklistTool(w http.ResponseWriter, r *http.Request) {
	s.handleToolListMutation(w, r, s.executor.Trust().BlacklistTool)
}

func (s *Server) handleToolListMutation(w http.ResponseWriter, r *http.Request, mutate func(serverID, tool string)) {
	serverID := chi.URLParam(r, "serverID")
	var body struct {
		Tool string `json:"tool"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	mutate(serverID, body.Tool)
	s.writeSuccess(w, s.executor.Trust().GetServerTrust(serverID))
}

type executeRequest struct {
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]any         `json:"parameters"`
	Context    *gate.ExecutionContext `json:"context,omitempty"`
	Headless   bool                   `json:"headless,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToolName == "" {
		s.writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	var (
		res *gate.Result
		err error
	)
	if req.Headless {
		res, err = s.executor.ExecuteHeadless(r.Context(), req.ToolName, req.Parameters, req.Context)
	} else {
		res, err = s.executor.ExecuteSecure(r.Context(), req.ToolName, req.Parameters, req.Context)
	}

	if err != nil {
		// Denials are well-formed outcomes, not server errors; the result
		// carries the full pipeline verdict. Executor failures are upstream
		// errors.
		status := http.StatusForbidden
		var execFailed *gate.ExecutionFailedError
		if errors.As(err, &execFailed) {
			status = http.StatusBadGateway
		}
		s.writeJSON(w, status, apiResponse{Success: false, Error: err.Error(), Data: res})
		return
	}
	s.writeSuccess(w, res)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		ServerID: q.Get("server_id"),
		UserID:   q.Get("user_id"),
		Limit:    100,
	}
	if t := q.Get("type"); t != "" {
		filter.Type = audit.EventType(t)
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = ts
	}

	events, err := s.store.ListEvents(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"events": events, "total": len(events)})
}
