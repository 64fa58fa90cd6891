// Package fleet is the orchestration service: the command queue surface, the
// normal switch path, and the transport-facing heartbeat/report operations.
//
// Every state change goes through the storage layer's version-checked
// transactions; fleet composes them but holds no state of its own, so any
// number of callers (HTTP handlers, the reconciler, the failover protocol)
// can act concurrently.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spotherd/spotherd/internal/clock"
	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/telemetry"
)

// ErrModeMismatch rejects a normal switch proposal when the agent's operating
// mode disallows recommender-driven switches. It is never returned by the
// emergency paths.
var ErrModeMismatch = errors.New("fleet: operating mode disallows switch")

// ErrReplicaNotReady rejects a promotion whose target replica is not Ready
// and Synced.
var ErrReplicaNotReady = errors.New("fleet: replica not ready for promotion")

// conflictRetries bounds internal re-reads after a lost CAS race before the
// conflict is surfaced to the caller.
const conflictRetries = 3

// Service exposes the engine's operations over the entity store.
type Service struct {
	db     *storage.DB
	prices pricing.Provider
	clock  clock.Clock
	logger *slog.Logger

	commandTTL     time.Duration
	savingsHorizon time.Duration

	commandsEnqueued metric.Int64Counter
	switchesApplied  metric.Int64Counter
	switchDowntime   metric.Float64Histogram
}

// New creates the fleet service. commandTTL is how long an unexecuted command
// stays deliverable; savingsHorizon is the assumed persistence of a switch's
// hourly saving when settling the ledger.
func New(db *storage.DB, prices pricing.Provider, clk clock.Clock, logger *slog.Logger, commandTTL, savingsHorizon time.Duration) *Service {
	meter := telemetry.Meter("spotherd/fleet")
	enqueued, _ := meter.Int64Counter("spotherd.commands.enqueued",
		metric.WithDescription("Commands accepted into the queue"),
	)
	applied, _ := meter.Int64Counter("spotherd.switches.applied",
		metric.WithDescription("Primary transitions committed from switch reports"),
	)
	downtime, _ := meter.Float64Histogram("spotherd.switch.downtime",
		metric.WithDescription("Agent-reported downtime per switch (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:               db,
		prices:           prices,
		clock:            clk,
		logger:           logger,
		commandTTL:       commandTTL,
		savingsHorizon:   savingsHorizon,
		commandsEnqueued: enqueued,
		switchesApplied:  applied,
		switchDowntime:   downtime,
	}
}

// Enqueue queues a command for an agent. Idempotent on requestID: a repeat
// call returns the originally created command and reports duplicate=true.
func (s *Service) Enqueue(ctx context.Context, agentID uuid.UUID, typ model.CommandType, priority model.CommandPriority, payload map[string]any, requestID string) (model.Command, bool, error) {
	if err := model.ValidateCommandType(typ); err != nil {
		return model.Command{}, false, err
	}
	if err := model.ValidateRequestID(requestID); err != nil {
		return model.Command{}, false, err
	}

	now := s.clock.Now()
	cmd, dup, err := s.db.EnqueueCommand(ctx, model.Command{
		AgentID:   agentID,
		Type:      typ,
		Priority:  priority,
		Payload:   payload,
		RequestID: requestID,
		ExpiresAt: now.Add(s.commandTTL),
		CreatedAt: now,
	})
	if err != nil {
		return model.Command{}, false, err
	}
	if !dup {
		s.commandsEnqueued.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(typ)),
		))
		s.logger.Info("command enqueued",
			"agent_id", agentID, "type", typ, "priority", int(priority), "request_id", requestID)
	}
	return cmd, dup, nil
}

// Poll returns the agent's deliverable commands in priority order and marks
// them delivered. Safe to retry wholesale: re-polling returns the same
// commands until they are reported or expire.
func (s *Service) Poll(ctx context.Context, agentID uuid.UUID) ([]model.Command, error) {
	return s.db.PollCommands(ctx, agentID, s.clock.Now())
}

// ListCommands returns an agent's command history, newest first.
func (s *Service) ListCommands(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.Command, error) {
	return s.db.ListCommands(ctx, agentID, limit, offset)
}

// RegisterInstance records the instance an agent is currently running on.
// When the agent has no primary yet, the new instance is promoted to primary
// in the same call (the bootstrap path for a freshly created agent). The
// operation is idempotent on the provider instance id: re-registering the
// current primary returns it unchanged.
func (s *Service) RegisterInstance(ctx context.Context, agentID uuid.UUID, req model.RegisterInstanceRequest) (model.Instance, error) {
	if req.ProviderInstanceID == "" || req.Pool == "" {
		return model.Instance{}, fmt.Errorf("fleet: provider_instance_id and pool are required")
	}
	price, err := parseOptionalPrice(req.PricePerHour)
	if err != nil {
		return model.Instance{}, err
	}

	launchedAt := req.LaunchedAt
	if launchedAt == nil {
		now := s.clock.Now()
		launchedAt = &now
	}
	registered, existed, err := s.db.RegisterPrimary(ctx, model.Instance{
		AgentID:            agentID,
		ProviderInstanceID: req.ProviderInstanceID,
		Pool:               req.Pool,
		Role:               model.RoleLaunching,
		PricePerHour:       price,
		LaunchedAt:         launchedAt,
	})
	if err != nil {
		return model.Instance{}, err
	}
	if !existed {
		s.logger.Info("primary registered",
			"agent_id", agentID, "instance_id", registered.ID, "pool", registered.Pool)
	}
	return registered, nil
}

// outcomeStatus maps a reported outcome onto the command's terminal status.
func outcomeStatus(o model.CommandOutcome) (model.CommandStatus, error) {
	switch o {
	case model.OutcomeSucceeded:
		return model.CommandSucceeded, nil
	case model.OutcomeFailed:
		return model.CommandFailed, nil
	}
	return "", fmt.Errorf("fleet: invalid outcome %q", o)
}
