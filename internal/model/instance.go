package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InstanceRole is the lifecycle state of one concrete compute unit.
//
// Transitions:
//
//	Launching → RunningPrimary | RunningReplica
//	RunningReplica → Promoting → RunningPrimary
//	RunningPrimary → Zombie (auto-terminate off) | Terminating → Terminated
//	any → Terminated on explicit deletion
//
// For a given agent at most one instance holds RoleRunningPrimary at any
// instant; the storage layer enforces this with a partial unique index in
// addition to the promotion transaction.
type InstanceRole string

const (
	RoleLaunching      InstanceRole = "launching"
	RoleRunningPrimary InstanceRole = "running_primary"
	RoleRunningReplica InstanceRole = "running_replica"
	RolePromoting      InstanceRole = "promoting"
	RoleTerminating    InstanceRole = "terminating"
	RoleTerminated     InstanceRole = "terminated"
	RoleZombie         InstanceRole = "zombie"
)

// Terminal reports whether the role admits no further transitions other than
// explicit deletion.
func (r InstanceRole) Terminal() bool {
	return r == RoleTerminated
}

// Instance is one concrete compute unit backing an agent. Rows are retained
// indefinitely once terminated for audit.
type Instance struct {
	ID                 uuid.UUID        `json:"id"`
	AgentID            uuid.UUID        `json:"agent_id"`
	ProviderInstanceID string           `json:"provider_instance_id"`
	Pool               string           `json:"pool"`
	Role               InstanceRole     `json:"role"`
	PricePerHour       *decimal.Decimal `json:"price_per_hour,omitempty"`
	LaunchedAt         *time.Time       `json:"launched_at,omitempty"`
	TerminatedAt       *time.Time       `json:"terminated_at,omitempty"`
	Version            int64            `json:"version"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// DemotedRole is the role a displaced primary lands in: Zombie when the agent
// keeps old instances around, Terminating when auto-terminate is enabled.
func DemotedRole(autoTerminate bool) InstanceRole {
	if autoTerminate {
		return RoleTerminating
	}
	return RoleZombie
}
