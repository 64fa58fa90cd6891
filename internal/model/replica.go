package model

import (
	"time"

	"github.com/google/uuid"
)

// ReplicaKind records why a replica exists.
type ReplicaKind string

const (
	// ReplicaManual is a standing replica maintained by manual-replica mode.
	ReplicaManual ReplicaKind = "manual"
	// ReplicaAutoRebalance was created in response to a rebalance notice.
	ReplicaAutoRebalance ReplicaKind = "auto_rebalance"
	// ReplicaAutoTermination was created on the emergency fallback path when
	// a termination notice arrived with no ready replica.
	ReplicaAutoTermination ReplicaKind = "auto_termination"
)

// SyncState tracks data synchronization between a replica and its primary.
type SyncState string

const (
	SyncInitializing SyncState = "initializing"
	SyncSyncing      SyncState = "syncing"
	SyncSynced       SyncState = "synced"
	SyncOutOfSync    SyncState = "out_of_sync"
)

// ReplicaLifecycle is the coarse lifecycle of a standby.
//
//	Launching → Syncing → Ready → Promoted | Terminated | Failed
//
// Ready requires SyncState == SyncSynced; only a Ready replica may be the
// target of a promotion.
type ReplicaLifecycle string

const (
	ReplicaLaunching  ReplicaLifecycle = "launching"
	ReplicaSyncing    ReplicaLifecycle = "syncing"
	ReplicaReady      ReplicaLifecycle = "ready"
	ReplicaPromoted   ReplicaLifecycle = "promoted"
	ReplicaTerminated ReplicaLifecycle = "terminated"
	ReplicaFailed     ReplicaLifecycle = "failed"
)

// Active reports whether the replica still occupies capacity.
func (l ReplicaLifecycle) Active() bool {
	switch l {
	case ReplicaLaunching, ReplicaSyncing, ReplicaReady:
		return true
	}
	return false
}

// Replica is a standby instance candidate tied to one agent.
type Replica struct {
	ID           uuid.UUID        `json:"id"`
	AgentID      uuid.UUID        `json:"agent_id"`
	InstanceID   *uuid.UUID       `json:"instance_id,omitempty"`
	Kind         ReplicaKind      `json:"kind"`
	SyncState    SyncState        `json:"sync_state"`
	Lifecycle    ReplicaLifecycle `json:"lifecycle"`
	Emergency    bool             `json:"emergency"`
	Pool         string           `json:"pool"`
	Version      int64            `json:"version"`
	PromotedAt   *time.Time       `json:"promoted_at,omitempty"`
	TerminatedAt *time.Time       `json:"terminated_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Promotable reports whether the replica may be the target of a promotion.
func (r Replica) Promotable() bool {
	return r.Lifecycle == ReplicaReady && r.SyncState == SyncSynced && r.InstanceID != nil
}
