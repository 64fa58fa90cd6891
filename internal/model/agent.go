package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperatingMode selects how an agent's standby capacity is managed.
// The two modes are mutually exclusive, so they are one enum rather than a
// pair of booleans that must be kept consistent by convention.
type OperatingMode string

const (
	// ModeAutoSwitch lets the recommender drive pool switches; no standing
	// replica is kept outside of emergencies.
	ModeAutoSwitch OperatingMode = "auto_switch"
	// ModeManualReplica keeps one warm standby replica at all times.
	ModeManualReplica OperatingMode = "manual_replica"
)

// ValidateOperatingMode rejects unknown mode strings at the API boundary.
func ValidateOperatingMode(m OperatingMode) error {
	switch m {
	case ModeAutoSwitch, ModeManualReplica:
		return nil
	}
	return fmt.Errorf("invalid operating_mode %q", m)
}

// NoticeStatus tracks the most recent provider interruption warning.
type NoticeStatus string

const (
	NoticeNone        NoticeStatus = "none"
	NoticeRebalance   NoticeStatus = "rebalance"
	NoticeTermination NoticeStatus = "termination"
)

// Agent is the persistent logical identity of one workload. Its backing
// instance is swapped repeatedly; the agent row is never hard-deleted so
// switch history stays attributable.
type Agent struct {
	ID                   uuid.UUID     `json:"id"`
	ClientID             uuid.UUID     `json:"client_id"`
	Name                 string        `json:"name"`
	OperatingMode        OperatingMode `json:"operating_mode"`
	AutoTerminateEnabled bool          `json:"auto_terminate_enabled"`
	TerminateWait        time.Duration `json:"terminate_wait"`
	LastHeartbeatAt      *time.Time    `json:"last_heartbeat_at,omitempty"`
	Online               bool          `json:"online"`
	NoticeStatus         NoticeStatus  `json:"notice_status"`
	NoticeDeadline       *time.Time    `json:"notice_deadline,omitempty"`
	CurrentInstanceID    *uuid.UUID    `json:"current_instance_id,omitempty"`
	CurrentReplicaID     *uuid.UUID    `json:"current_replica_id,omitempty"`
	APIKeyHash           *string       `json:"-"`
	Version              int64         `json:"version"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	DeletedAt            *time.Time    `json:"deleted_at,omitempty"`
}

// Deleted reports whether the agent has been soft-deleted.
func (a Agent) Deleted() bool {
	return a.DeletedAt != nil
}

// AgentConfigUpdate carries the mutable configuration fields of an agent.
// Nil pointers mean "leave unchanged".
type AgentConfigUpdate struct {
	OperatingMode        *OperatingMode `json:"operating_mode,omitempty"`
	AutoTerminateEnabled *bool          `json:"auto_terminate_enabled,omitempty"`
	TerminateWait        *time.Duration `json:"terminate_wait,omitempty"`
}

// ValidateAgentName checks that an agent name is 1-255 ASCII characters:
// alphanumeric, dots, hyphens, underscores.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("agent name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("agent name must be at most 255 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("agent name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
