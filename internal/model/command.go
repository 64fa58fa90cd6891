package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType enumerates the directives the engine can queue for an agent.
type CommandType string

const (
	CommandSwitch         CommandType = "switch"
	CommandCreateReplica  CommandType = "create_replica"
	CommandPromoteReplica CommandType = "promote_replica"
	CommandTerminate      CommandType = "terminate"
	CommandUpdateConfig   CommandType = "update_config"
)

// ValidateCommandType rejects unknown command types at the API boundary.
func ValidateCommandType(t CommandType) error {
	switch t {
	case CommandSwitch, CommandCreateReplica, CommandPromoteReplica,
		CommandTerminate, CommandUpdateConfig:
		return nil
	}
	return fmt.Errorf("invalid command type %q", t)
}

// CommandPriority orders delivery within one agent's queue. Higher first.
type CommandPriority int

const (
	PriorityCritical  CommandPriority = 100
	PriorityManual    CommandPriority = 75
	PriorityMLUrgent  CommandPriority = 50
	PriorityMLNormal  CommandPriority = 25
	PriorityScheduled CommandPriority = 10
)

// CommandStatus is the queue lifecycle of a command. Succeeded, Failed and
// Expired are terminal; a command is never mutated after reaching them.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandDelivered CommandStatus = "delivered"
	CommandSucceeded CommandStatus = "succeeded"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandSucceeded, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// Command is one directive queued for a remote agent. RequestID is the
// caller-supplied idempotency key; enqueueing twice with the same key yields
// the same row.
type Command struct {
	ID          uuid.UUID       `json:"id"`
	AgentID     uuid.UUID       `json:"agent_id"`
	Type        CommandType     `json:"type"`
	Priority    CommandPriority `json:"priority"`
	Payload     map[string]any  `json:"payload"`
	RequestID   string          `json:"request_id"`
	Status      CommandStatus   `json:"status"`
	ExpiresAt   time.Time       `json:"expires_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CommandOutcome is a remote agent's report on an executed command.
type CommandOutcome string

const (
	OutcomeSucceeded CommandOutcome = "succeeded"
	OutcomeFailed    CommandOutcome = "failed"
)

// ValidateRequestID checks the idempotency-key format: 1-128 ASCII
// alphanumerics, hyphens, underscores.
func ValidateRequestID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("request_id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("request_id must be at most 128 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '-' && c != '_' {
			return fmt.Errorf("request_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
