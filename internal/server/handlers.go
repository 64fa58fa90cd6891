package server

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/spotherd/spotherd/internal/auth"
	"github.com/spotherd/spotherd/internal/failover"
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	fleet               *fleet.Service
	failover            *failover.Protocol
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	operatorKeyHash     string // empty disables operator token issuance
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Fleet               *fleet.Service
	Failover            *failover.Protocol
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OperatorAPIKey      string
}

// NewHandlers creates a new Handlers with all dependencies. The operator API
// key is hashed immediately; the raw key is not retained.
func NewHandlers(d HandlersDeps) (*Handlers, error) {
	h := &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		fleet:               d.Fleet,
		failover:            d.Failover,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
	if d.OperatorAPIKey != "" {
		hash, err := auth.HashAPIKey(d.OperatorAPIKey)
		if err != nil {
			return nil, err
		}
		h.operatorKeyHash = hash
	}
	return h, nil
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.startedAt).String(),
	})
}

// HandleAuthToken handles POST /auth/token. With an agent_id the API key is
// checked against the agent's stored hash; without one it is checked against
// the configured operator key.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	if req.AgentID == uuid.Nil {
		h.issueOperatorToken(w, r, req.APIKey)
		return
	}

	agent, err := h.db.GetAgent(r.Context(), req.AgentID)
	if err != nil || agent.Deleted() || agent.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueAgentToken(agent)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (h *Handlers) issueOperatorToken(w http.ResponseWriter, r *http.Request, apiKey string) {
	if h.operatorKeyHash == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "operator access not configured")
		return
	}
	valid, err := auth.VerifyAPIKey(apiKey, h.operatorKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	token, expiresAt, err := h.jwtMgr.IssueOperatorToken("operator")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// claimedAgentID returns the authenticated agent's id. The transport routes
// are gated on the agent role, so the claim is always present here.
func claimedAgentID(r *http.Request) (uuid.UUID, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.AgentID == nil {
		return uuid.Nil, false
	}
	return *claims.AgentID, true
}

// HandleHeartbeat handles POST /v1/transport/heartbeat.
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID, ok := claimedAgentID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "agent token required")
		return
	}
	var req model.HeartbeatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.fleet.Heartbeat(r.Context(), agentID, req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleRegisterInstance handles POST /v1/transport/instances.
func (h *Handlers) HandleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	agentID, ok := claimedAgentID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "agent token required")
		return
	}
	var req model.RegisterInstanceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	inst, err := h.fleet.RegisterInstance(r.Context(), agentID, req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, inst)
}

// HandlePollCommands handles POST /v1/transport/commands/poll. Returned
// commands are marked delivered; polling is safe to retry wholesale.
func (h *Handlers) HandlePollCommands(w http.ResponseWriter, r *http.Request) {
	agentID, ok := claimedAgentID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "agent token required")
		return
	}
	cmds, err := h.fleet.Poll(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if cmds == nil {
		cmds = []model.Command{}
	}
	writeJSON(w, r, http.StatusOK, cmds)
}

// HandleReportCommand handles POST /v1/transport/commands/{command_id}/report.
func (h *Handlers) HandleReportCommand(w http.ResponseWriter, r *http.Request) {
	agentID, ok := claimedAgentID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "agent token required")
		return
	}
	commandID, err := pathUUID(r, "command_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid command id")
		return
	}
	var req model.ReportRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, replayed, err := h.fleet.Report(r.Context(), agentID, commandID, req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"result":   result,
		"replayed": replayed,
	})
}

// HandleRebalanceNotice handles POST /v1/transport/notices/rebalance.
func (h *Handlers) HandleRebalanceNotice(w http.ResponseWriter, r *http.Request) {
	agentID, ok := claimedAgentID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "agent token required")
		return
	}
	var req model.RebalanceNoticeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	outcome, err := h.failover.HandleRebalance(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, outcome)
}

// defaultTerminationLead is assumed when a termination notice arrives without
// an explicit deadline; spot providers typically give about two minutes.
const defaultTerminationLead = 2 * time.Minute

// HandleTerminationNotice handles POST /v1/transport/notices/termination.
func (h *Handlers) HandleTerminationNotice(w http.ResponseWriter, r *http.Request) {
	agentID, ok := claimedAgentID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "agent token required")
		return
	}
	var req model.TerminationNoticeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().UTC().Add(defaultTerminationLead)
	}
	outcome, err := h.failover.HandleTerminationImminent(r.Context(), agentID, deadline)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, outcome)
}
