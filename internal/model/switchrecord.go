package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SwitchTrigger records what initiated a primary transition.
type SwitchTrigger string

const (
	TriggerRecommender SwitchTrigger = "recommender"
	TriggerManual      SwitchTrigger = "manual"
	TriggerRebalance   SwitchTrigger = "rebalance"
	TriggerTermination SwitchTrigger = "termination"
	TriggerReconciler  SwitchTrigger = "reconciler"
)

// SwitchRecord is the immutable audit row for one executed primary
// transition. Rows are append-only and never updated in place; RequestID
// links back to the originating command so settlement stays idempotent.
type SwitchRecord struct {
	ID            uuid.UUID        `json:"id"`
	AgentID       uuid.UUID        `json:"agent_id"`
	ClientID      uuid.UUID        `json:"client_id"`
	CommandID     *uuid.UUID       `json:"command_id,omitempty"`
	RequestID     string           `json:"request_id"`
	OldInstanceID *uuid.UUID       `json:"old_instance_id,omitempty"`
	NewInstanceID uuid.UUID        `json:"new_instance_id"`
	OldPool       string           `json:"old_pool"`
	NewPool       string           `json:"new_pool"`
	OldPrice      *decimal.Decimal `json:"old_price,omitempty"`
	NewPrice      *decimal.Decimal `json:"new_price,omitempty"`
	HourlyDelta   decimal.Decimal  `json:"hourly_delta"`
	Trigger       SwitchTrigger    `json:"trigger"`
	Downtime      time.Duration    `json:"downtime"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at"`
	CreatedAt     time.Time        `json:"created_at"`
}
