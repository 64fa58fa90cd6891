package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard success response envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeModeMismatch  = "MODE_MISMATCH"
	ErrCodeExpired       = "EXPIRED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /v1/transport/token.
type AuthTokenRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
	APIKey  string    `json:"api_key"`
}

// AuthTokenResponse carries the issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HeartbeatRequest is the request body for POST /v1/transport/heartbeat.
// Besides liveness, a heartbeat carries the agent's observed facts: replica
// sync progress and current pool prices.
type HeartbeatRequest struct {
	Timestamp          time.Time       `json:"timestamp"`
	ObservedInstanceID *uuid.UUID      `json:"observed_instance_id,omitempty"`
	Replicas           []ReplicaStatus `json:"replicas,omitempty"`
	Prices             []PriceReport   `json:"prices,omitempty"`
}

// ReplicaStatus is an agent-observed sync state for one replica.
type ReplicaStatus struct {
	ReplicaID uuid.UUID `json:"replica_id"`
	SyncState SyncState `json:"sync_state"`
}

// PriceReport is one observed pool price sample.
type PriceReport struct {
	Pool  string `json:"pool"`
	Price string `json:"price"` // decimal string, e.g. "0.0832"
}

// HeartbeatResponse tells the agent whether its online flag flipped and how
// many commands are waiting, so it can poll immediately instead of on its
// next interval. InstanceDiverged is set when the agent's observed instance
// id does not match the engine's current primary ref; the agent should
// re-register.
type HeartbeatResponse struct {
	Online           bool `json:"online"`
	PendingCommands  int  `json:"pending_commands"`
	InstanceDiverged bool `json:"instance_diverged,omitempty"`
}

// RegisterInstanceRequest is the body for POST /v1/transport/instances. An
// agent calls it once on startup to report the instance it is running on.
type RegisterInstanceRequest struct {
	ProviderInstanceID string     `json:"provider_instance_id"`
	Pool               string     `json:"pool"`
	PricePerHour       *string    `json:"price_per_hour,omitempty"`
	LaunchedAt         *time.Time `json:"launched_at,omitempty"`
}

// ReportRequest is the request body for POST /v1/transport/commands/{id}/report.
type ReportRequest struct {
	Outcome   CommandOutcome `json:"outcome"`
	RequestID string         `json:"request_id"`
	Error     *string        `json:"error,omitempty"`
	// Switch reports carry the replacement instance and timing facts.
	Switch *SwitchReport `json:"switch,omitempty"`
	// Replica reports confirm a launched standby.
	Replica *ReplicaLaunchReport `json:"replica,omitempty"`
}

// ReplicaLaunchReport is the outcome detail of an executed create_replica
// command: the instance the agent launched for the standby.
type ReplicaLaunchReport struct {
	ProviderInstanceID string  `json:"provider_instance_id"`
	Pool               string  `json:"pool"`
	PricePerHour       *string `json:"price_per_hour,omitempty"`
}

// SwitchReport is the outcome detail of an executed switch command.
type SwitchReport struct {
	NewProviderInstanceID string    `json:"new_provider_instance_id"`
	NewPool               string    `json:"new_pool"`
	StartedAt             time.Time `json:"started_at"`
	CompletedAt           time.Time `json:"completed_at"`
	DowntimeMillis        int64     `json:"downtime_ms"`
}

// RebalanceNoticeRequest is the body for POST /v1/transport/notices/rebalance.
type RebalanceNoticeRequest struct {
	ObservedAt time.Time `json:"observed_at"`
}

// TerminationNoticeRequest is the body for POST /v1/transport/notices/termination.
type TerminationNoticeRequest struct {
	ObservedAt time.Time `json:"observed_at"`
	Deadline   time.Time `json:"deadline"`
}

// CreateClientRequest is the request body for POST /v1/clients.
type CreateClientRequest struct {
	Name string `json:"name"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	ClientID             uuid.UUID     `json:"client_id"`
	Name                 string        `json:"name"`
	OperatingMode        OperatingMode `json:"operating_mode"`
	AutoTerminateEnabled bool          `json:"auto_terminate_enabled"`
	TerminateWaitSeconds int64         `json:"terminate_wait_seconds"`
}

// CreateAgentResponse returns the new agent together with its one-time API key.
type CreateAgentResponse struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"` // shown once, stored only as a hash
}

// UpdateAgentConfigRequest is the request body for PATCH /v1/agents/{id}.
// Version must match the agent's current version or the update is rejected
// with a conflict.
type UpdateAgentConfigRequest struct {
	Version int64 `json:"version"`
	AgentConfigUpdate
}

// EnqueueCommandRequest is the request body for POST /v1/agents/{id}/commands.
type EnqueueCommandRequest struct {
	Type      CommandType    `json:"type"`
	Priority  *int           `json:"priority,omitempty"` // defaults to Manual
	Payload   map[string]any `json:"payload,omitempty"`
	RequestID string         `json:"request_id"`
}

// SwitchProposalRequest is the request body for POST /v1/agents/{id}/switch.
type SwitchProposalRequest struct {
	TargetPool string `json:"target_pool"`
	Urgent     bool   `json:"urgent"` // MLUrgent instead of MLNormal
	RequestID  string `json:"request_id"`
}

// SavingsSummary is the read model for GET /v1/clients/{id}/savings.
type SavingsSummary struct {
	ClientID uuid.UUID `json:"client_id"`
	Total    string    `json:"total"`
	Entries  int       `json:"entries"`
}
