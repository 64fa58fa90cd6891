// Package model defines the core entities of the fleet orchestration engine:
// clients, agents, instances, replicas, commands, and switch records.
//
// All mutable entities carry a Version counter for optimistic concurrency;
// every update must go through the storage layer's compare-and-swap path.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client is the tenant boundary. A client owns agents and accumulates
// realized savings from executed switches.
type Client struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// SavingsEntry is one idempotent ledger row recording the settled savings of
// a single switch. The client's total is the sum of its entries, computed on
// read; there is no mutable accumulator to race on.
type SavingsEntry struct {
	ID           int64           `json:"id"`
	ClientID     uuid.UUID       `json:"client_id"`
	AgentID      uuid.UUID       `json:"agent_id"`
	RequestID    string          `json:"request_id"`
	HourlyDelta  decimal.Decimal `json:"hourly_delta"`
	HorizonHours int             `json:"horizon_hours"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
}
