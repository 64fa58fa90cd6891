package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/spotherd/spotherd/internal/auth"
	"github.com/spotherd/spotherd/internal/model"
)

// HandleCreateClient handles POST /v1/clients.
func (h *Handlers) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req model.CreateClientRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	client, err := h.db.CreateClient(r.Context(), model.Client{Name: req.Name})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, client)
}

// HandleGetClient handles GET /v1/clients/{client_id}.
func (h *Handlers) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathUUID(r, "client_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid client id")
		return
	}
	client, err := h.db.GetClient(r.Context(), clientID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, client)
}

// HandleDeleteClient handles DELETE /v1/clients/{client_id}. Offboarding is
// a hard delete: the client's agents and savings ledger go with it.
func (h *Handlers) HandleDeleteClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathUUID(r, "client_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid client id")
		return
	}
	if err := h.db.DeleteClient(r.Context(), clientID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetSavings handles GET /v1/clients/{client_id}/savings.
func (h *Handlers) HandleGetSavings(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathUUID(r, "client_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid client id")
		return
	}
	summary, err := h.db.GetSavingsSummary(r.Context(), clientID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleListSavingsEntries handles GET /v1/clients/{client_id}/savings/entries.
func (h *Handlers) HandleListSavingsEntries(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathUUID(r, "client_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid client id")
		return
	}
	limit, offset := pagination(r)
	entries, err := h.db.ListSavingsEntries(r.Context(), clientID, limit, offset)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeList(w, r, entries, len(entries), limit, offset)
}

// HandleCreateAgent handles POST /v1/agents. The response includes the
// generated API key exactly once; only its hash is stored.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id is required")
		return
	}
	if err := model.ValidateAgentName(req.Name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.OperatingMode == "" {
		req.OperatingMode = model.ModeAutoSwitch
	}
	if err := model.ValidateOperatingMode(req.OperatingMode); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.TerminateWaitSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "terminate_wait_seconds must be non-negative")
		return
	}

	// Owning client must exist and be live.
	if _, err := h.db.GetClient(r.Context(), req.ClientID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), model.Agent{
		ClientID:             req.ClientID,
		Name:                 req.Name,
		OperatingMode:        req.OperatingMode,
		AutoTerminateEnabled: req.AutoTerminateEnabled,
		TerminateWait:        time.Duration(req.TerminateWaitSeconds) * time.Second,
		APIKeyHash:           &hash,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateAgentResponse{Agent: agent, APIKey: apiKey})
}

// HandleListAgents handles GET /v1/agents?client_id=.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(r.URL.Query().Get("client_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id query parameter is required")
		return
	}
	limit, offset := pagination(r)
	agents, err := h.db.ListAgents(r.Context(), clientID, limit, offset)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeList(w, r, agents, len(agents), limit, offset)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	agent, err := h.db.GetAgent(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgentConfig handles PATCH /v1/agents/{agent_id}. The caller
// supplies the version it read; a stale version is a 409.
func (h *Handlers) HandleUpdateAgentConfig(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	var req model.UpdateAgentConfigRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.OperatingMode != nil {
		if err := model.ValidateOperatingMode(*req.OperatingMode); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if req.TerminateWait != nil && *req.TerminateWait < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "terminate_wait must be non-negative")
		return
	}

	agent, err := h.db.UpdateAgentConfig(r.Context(), agentID, req.Version, req.AgentConfigUpdate)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id}. Soft delete: the
// agent stops authenticating and is skipped by reconciliation, but its
// switch history stays attributable.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	if err := h.db.SoftDeleteAgent(r.Context(), agentID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEnqueueCommand handles POST /v1/agents/{agent_id}/commands.
func (h *Handlers) HandleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	var req model.EnqueueCommandRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateCommandType(req.Type); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateRequestID(req.RequestID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	priority := model.PriorityManual
	if req.Priority != nil {
		priority = model.CommandPriority(*req.Priority)
	}
	cmd, dup, err := h.fleet.Enqueue(r.Context(), agentID, req.Type, priority, req.Payload, req.RequestID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	writeJSON(w, r, status, cmd)
}

// HandleListAgentCommands handles GET /v1/agents/{agent_id}/commands.
func (h *Handlers) HandleListAgentCommands(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	limit, offset := pagination(r)
	cmds, err := h.fleet.ListCommands(r.Context(), agentID, limit, offset)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeList(w, r, cmds, len(cmds), limit, offset)
}

// HandleProposeSwitch handles POST /v1/agents/{agent_id}/switch. Operator
// switches run at manual priority; switches on manual-replica agents are
// rejected with a mode mismatch.
func (h *Handlers) HandleProposeSwitch(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	var req model.SwitchProposalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TargetPool == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "target_pool is required")
		return
	}
	if err := model.ValidateRequestID(req.RequestID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	cmd, dup, err := h.fleet.ProposeSwitch(r.Context(), agentID, req, model.TriggerManual)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	writeJSON(w, r, status, cmd)
}

// HandleListSwitches handles GET /v1/agents/{agent_id}/switches.
func (h *Handlers) HandleListSwitches(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	limit, offset := pagination(r)
	records, err := h.db.ListSwitchRecords(r.Context(), agentID, limit, offset)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeList(w, r, records, len(records), limit, offset)
}

// HandleListReplicas handles GET /v1/agents/{agent_id}/replicas.
func (h *Handlers) HandleListReplicas(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	replicas, err := h.db.ListActiveReplicas(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if replicas == nil {
		replicas = []model.Replica{}
	}
	writeJSON(w, r, http.StatusOK, replicas)
}

// HandleListInstances handles GET /v1/agents/{agent_id}/instances.
func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	instances, err := h.db.ListInstances(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if instances == nil {
		instances = []model.Instance{}
	}
	writeJSON(w, r, http.StatusOK, instances)
}
