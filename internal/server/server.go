package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spotherd/spotherd/internal/auth"
	"github.com/spotherd/spotherd/internal/failover"
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/ratelimit"
	"github.com/spotherd/spotherd/internal/storage"
)

// Server is the spotherd HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Fleet    *fleet.Service
	Failover *failover.Protocol
	Logger   *slog.Logger

	// Optional: nil disables rate limiting.
	AuthLimiter      ratelimit.Limiter
	TransportLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Empty disables operator token issuance.
	OperatorAPIKey string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) (*Server, error) {
	h, err := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Fleet:               cfg.Fleet,
		Failover:            cfg.Failover,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OperatorAPIKey:      cfg.OperatorAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Token issuance is limited by client IP, the transport surface by agent
	// identity. Operator routes are not limited.
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc)
	transportRL := ratelimit.Middleware(cfg.TransportLimiter, agentKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agent transport surface.
	agentOnly := requireRole(auth.RoleAgent)
	mux.Handle("POST /v1/transport/heartbeat", transportRL(agentOnly(http.HandlerFunc(h.HandleHeartbeat))))
	mux.Handle("POST /v1/transport/instances", transportRL(agentOnly(http.HandlerFunc(h.HandleRegisterInstance))))
	mux.Handle("POST /v1/transport/commands/poll", transportRL(agentOnly(http.HandlerFunc(h.HandlePollCommands))))
	mux.Handle("POST /v1/transport/commands/{command_id}/report", transportRL(agentOnly(http.HandlerFunc(h.HandleReportCommand))))

	// Interruption notices bypass the transport limiter: an agent racing a
	// two-minute termination deadline must never be told to retry later.
	mux.Handle("POST /v1/transport/notices/rebalance", agentOnly(http.HandlerFunc(h.HandleRebalanceNotice)))
	mux.Handle("POST /v1/transport/notices/termination", agentOnly(http.HandlerFunc(h.HandleTerminationNotice)))

	// Operator API.
	operatorOnly := requireRole(auth.RoleOperator)
	mux.Handle("POST /v1/clients", operatorOnly(http.HandlerFunc(h.HandleCreateClient)))
	mux.Handle("GET /v1/clients/{client_id}", operatorOnly(http.HandlerFunc(h.HandleGetClient)))
	mux.Handle("DELETE /v1/clients/{client_id}", operatorOnly(http.HandlerFunc(h.HandleDeleteClient)))
	mux.Handle("GET /v1/clients/{client_id}/savings", operatorOnly(http.HandlerFunc(h.HandleGetSavings)))
	mux.Handle("GET /v1/clients/{client_id}/savings/entries", operatorOnly(http.HandlerFunc(h.HandleListSavingsEntries)))

	mux.Handle("POST /v1/agents", operatorOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", operatorOnly(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{agent_id}", operatorOnly(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("PATCH /v1/agents/{agent_id}", operatorOnly(http.HandlerFunc(h.HandleUpdateAgentConfig)))
	mux.Handle("DELETE /v1/agents/{agent_id}", operatorOnly(http.HandlerFunc(h.HandleDeleteAgent)))

	mux.Handle("POST /v1/agents/{agent_id}/commands", operatorOnly(http.HandlerFunc(h.HandleEnqueueCommand)))
	mux.Handle("GET /v1/agents/{agent_id}/commands", operatorOnly(http.HandlerFunc(h.HandleListAgentCommands)))
	mux.Handle("POST /v1/agents/{agent_id}/switch", operatorOnly(http.HandlerFunc(h.HandleProposeSwitch)))
	mux.Handle("GET /v1/agents/{agent_id}/switches", operatorOnly(http.HandlerFunc(h.HandleListSwitches)))
	mux.Handle("GET /v1/agents/{agent_id}/replicas", operatorOnly(http.HandlerFunc(h.HandleListReplicas)))
	mux.Handle("GET /v1/agents/{agent_id}/instances", operatorOnly(http.HandlerFunc(h.HandleListInstances)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}, nil
}

// agentKeyFunc keys the transport rate limit by the authenticated agent.
// Requests without agent claims are not limited here; the role middleware
// rejects them anyway.
func agentKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.AgentID == nil {
		return ""
	}
	return claims.AgentID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
