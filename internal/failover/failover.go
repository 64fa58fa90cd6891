// Package failover implements the emergency protocol for provider
// interruption notices. Both paths bypass the operating-mode gate and the
// recommender entirely: when the provider is about to reclaim an instance,
// configuration must never stand between an agent and a standby.
package failover

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
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/telemetry"
)

// Action describes what the protocol achieved for a notice.
type Action string

const (
	// ActionNoted means the notice was recorded and a standby already exists.
	ActionNoted Action = "noted"
	// ActionReplicaRequested means an emergency replica launch was queued.
	ActionReplicaRequested Action = "replica_requested"
	// ActionPromoted means a ready replica was promoted immediately.
	ActionPromoted Action = "promoted"
)

// Outcome is the definite result of a notice. The protocol never rejects on
// configuration grounds; callers always get back what was achieved.
type Outcome struct {
	Action     Action     `json:"action"`
	ReplicaID  *uuid.UUID `json:"replica_id,omitempty"`
	CommandID  *uuid.UUID `json:"command_id,omitempty"`
	InstanceID *uuid.UUID `json:"instance_id,omitempty"`
	// FallbackSlow marks a termination notice handled without a ready
	// replica: the emergency launch may not beat the provider's deadline.
	FallbackSlow bool          `json:"fallback_slow"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Protocol handles rebalance and termination-imminent notices.
type Protocol struct {
	db     *storage.DB
	fleet  *fleet.Service
	prices pricing.Provider
	clock  clock.Clock
	logger *slog.Logger

	promotionLatency metric.Float64Histogram
	fallbackSlow     metric.Int64Counter
	notices          metric.Int64Counter
}

// New creates the protocol.
func New(db *storage.DB, fleetSvc *fleet.Service, prices pricing.Provider, clk clock.Clock, logger *slog.Logger) *Protocol {
	meter := telemetry.Meter("spotherd/failover")
	latency, _ := meter.Float64Histogram("spotherd.failover.promotion_latency",
		metric.WithDescription("Orchestration-side time from termination notice to committed promotion (ms)"),
		metric.WithUnit("ms"),
	)
	slow, _ := meter.Int64Counter("spotherd.failover.fallback_slow",
		metric.WithDescription("Termination notices handled without a ready replica"),
	)
	notices, _ := meter.Int64Counter("spotherd.failover.notices",
		metric.WithDescription("Interruption notices received"),
	)
	return &Protocol{
		db:               db,
		fleet:            fleetSvc,
		prices:           prices,
		clock:            clk,
		logger:           logger,
		promotionLatency: latency,
		fallbackSlow:     slow,
		notices:          notices,
	}
}

// HandleRebalance records an early-warning notice and ensures a standby is
// on the way. The replica is created even for auto-switch agents, which
// normally keep no standing replica; a rebalance warning overrides that.
func (p *Protocol) HandleRebalance(ctx context.Context, agentID uuid.UUID) (Outcome, error) {
	start := p.clock.Now()
	p.notices.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "rebalance")))

	if _, err := p.db.SetAgentNotice(ctx, agentID, model.NoticeRebalance, nil); err != nil {
		return Outcome{}, err
	}

	active, err := p.db.ListActiveReplicas(ctx, agentID)
	if err != nil {
		return Outcome{}, err
	}
	if len(active) > 0 {
		rep := active[0]
		p.logger.Info("rebalance notice: standby already present",
			"agent_id", agentID, "replica_id", rep.ID, "lifecycle", rep.Lifecycle)
		return Outcome{Action: ActionNoted, ReplicaID: &rep.ID, Elapsed: p.clock.Now().Sub(start)}, nil
	}

	rep, cmd, err := p.requestReplica(ctx, agentID, model.ReplicaAutoRebalance)
	if err != nil {
		return Outcome{}, err
	}
	p.logger.Info("rebalance notice: emergency replica queued",
		"agent_id", agentID, "replica_id", rep.ID, "command_id", cmd.ID, "pool", rep.Pool)
	return Outcome{
		Action:    ActionReplicaRequested,
		ReplicaID: &rep.ID,
		CommandID: &cmd.ID,
		Elapsed:   p.clock.Now().Sub(start),
	}, nil
}

// HandleTerminationImminent reacts to a hard-deadline notice. With a ready
// replica the promotion commits immediately, with no mode check, no
// recommender, and no dependency beyond the entity store. Without one, the slow
// fallback queues an emergency launch and lets the reconciler finish the
// promotion once the replica syncs; that path may lose the race against the
// provider's deadline, which is accepted and flagged, not an error.
func (p *Protocol) HandleTerminationImminent(ctx context.Context, agentID uuid.UUID, deadline time.Time) (Outcome, error) {
	start := p.clock.Now()
	p.notices.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "termination")))

	if _, err := p.db.SetAgentNotice(ctx, agentID, model.NoticeTermination, &deadline); err != nil {
		return Outcome{}, err
	}

	rep, err := p.db.GetReadyReplica(ctx, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, err
		}
		return p.fallback(ctx, agentID, start)
	}

	requestID := "termination-" + rep.ID.String()
	rec, _, err := p.fleet.PromoteReplica(ctx, agentID, rep.ID, model.TriggerTermination, requestID)
	if err != nil {
		if errors.Is(err, fleet.ErrReplicaNotReady) {
			// The replica was consumed or failed between the lookup and the
			// promotion; fall back rather than reject.
			return p.fallback(ctx, agentID, start)
		}
		return Outcome{}, err
	}

	elapsed := p.clock.Now().Sub(start)
	p.promotionLatency.Record(ctx, float64(elapsed.Milliseconds()))
	p.logger.Info("termination notice: replica promoted",
		"agent_id", agentID, "replica_id", rep.ID,
		"new_instance_id", rec.NewInstanceID, "elapsed_ms", elapsed.Milliseconds())
	return Outcome{
		Action:     ActionPromoted,
		ReplicaID:  &rep.ID,
		InstanceID: &rec.NewInstanceID,
		Elapsed:    elapsed,
	}, nil
}

// fallback is the slow path: no promotable standby exists, so queue an
// emergency launch at critical priority and flag the outcome.
func (p *Protocol) fallback(ctx context.Context, agentID uuid.UUID, start time.Time) (Outcome, error) {
	// A repeated notice must not stack replicas: reuse an in-flight launch.
	active, err := p.db.ListActiveReplicas(ctx, agentID)
	if err != nil {
		return Outcome{}, err
	}
	if len(active) > 0 {
		rep := active[0]
		elapsed := p.clock.Now().Sub(start)
		p.fallbackSlow.Add(ctx, 1)
		p.logger.Warn("termination notice: standby still syncing, slow fallback",
			"agent_id", agentID, "replica_id", rep.ID, "lifecycle", rep.Lifecycle)
		return Outcome{
			Action:       ActionNoted,
			ReplicaID:    &rep.ID,
			FallbackSlow: true,
			Elapsed:      elapsed,
		}, nil
	}

	rep, cmd, err := p.requestReplica(ctx, agentID, model.ReplicaAutoTermination)
	if err != nil {
		return Outcome{}, err
	}

	elapsed := p.clock.Now().Sub(start)
	p.fallbackSlow.Add(ctx, 1)
	p.logger.Warn("termination notice: no ready replica, slow fallback",
		"agent_id", agentID, "replica_id", rep.ID, "command_id", cmd.ID,
		"elapsed_ms", elapsed.Milliseconds())
	return Outcome{
		Action:       ActionReplicaRequested,
		ReplicaID:    &rep.ID,
		CommandID:    &cmd.ID,
		FallbackSlow: true,
		Elapsed:      elapsed,
	}, nil
}

// requestReplica creates the emergency replica row and queues its launch at
// critical priority, ignoring the agent's operating mode.
func (p *Protocol) requestReplica(ctx context.Context, agentID uuid.UUID, kind model.ReplicaKind) (model.Replica, model.Command, error) {
	pool, err := p.targetPool(ctx, agentID)
	if err != nil {
		return model.Replica{}, model.Command{}, err
	}

	rep, err := p.db.CreateReplica(ctx, model.Replica{
		AgentID:   agentID,
		Kind:      kind,
		SyncState: model.SyncInitializing,
		Lifecycle: model.ReplicaLaunching,
		Emergency: true,
		Pool:      pool,
	})
	if err != nil {
		return model.Replica{}, model.Command{}, err
	}

	payload := map[string]any{
		"replica_id":  rep.ID.String(),
		"target_pool": pool,
	}
	cmd, _, err := p.fleet.Enqueue(ctx, agentID, model.CommandCreateReplica,
		model.PriorityCritical, payload, "replica-"+rep.ID.String())
	if err != nil {
		return model.Replica{}, model.Command{}, fmt.Errorf("failover: enqueue replica launch: %w", err)
	}
	return rep, cmd, nil
}

// targetPool picks where the emergency replica should launch: the cheapest
// known pool, or the agent's current pool when no pricing is available.
func (p *Protocol) targetPool(ctx context.Context, agentID uuid.UUID) (string, error) {
	pool, _, err := p.prices.CheapestPool(ctx)
	if err == nil {
		return pool, nil
	}
	if !errors.Is(err, pricing.ErrNoPrice) {
		return "", err
	}
	primary, err := p.db.GetPrimaryInstance(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("failover: no pricing data and no primary for agent %s", agentID)
		}
		return "", err
	}
	return primary.Pool, nil
}
