// Package reconcile runs the periodic controller that drives each agent's
// observed replica state toward its declared desired state. Every tick
// re-checks observations before acting, so the loop is idempotent and safe to
// run alongside manual operations and the emergency protocol.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spotherd/spotherd/internal/clock"
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/recommend"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/telemetry"
)

// Reconciler compares desired vs. observed state for every active agent on a
// fixed tick.
type Reconciler struct {
	db          *storage.DB
	fleet       *fleet.Service
	prices      pricing.Provider
	recommender recommend.Recommender
	clock       clock.Clock
	logger      *slog.Logger

	interval time.Duration
	lastTick time.Time

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context

	actions      metric.Int64Counter
	tickDuration metric.Float64Histogram
}

// New creates a reconciler ticking at interval. The recommender evaluates
// auto-switch agents each tick; the "none" recommender makes that a no-op.
func New(db *storage.DB, fleetSvc *fleet.Service, prices pricing.Provider, rec recommend.Recommender, clk clock.Clock, logger *slog.Logger, interval time.Duration) *Reconciler {
	meter := telemetry.Meter("spotherd/reconcile")
	actions, _ := meter.Int64Counter("spotherd.reconcile.actions",
		metric.WithDescription("Corrective actions taken by the reconciliation loop"),
	)
	tickDur, _ := meter.Float64Histogram("spotherd.reconcile.tick_duration",
		metric.WithDescription("Wall time per reconciliation tick (ms)"),
		metric.WithUnit("ms"),
	)
	return &Reconciler{
		db:           db,
		fleet:        fleetSvc,
		prices:       prices,
		recommender:  rec,
		clock:        clk,
		logger:       logger,
		interval:     interval,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
		actions:      actions,
		tickDuration: tickDur,
	}
}

// Start begins the tick loop. Safe to call only once; subsequent calls are
// no-ops and log a warning.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("reconcile: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.loop(loopCtx)
}

// Drain stops the loop, runs one final tick under the caller's context, and
// blocks until done or the context expires.
func (r *Reconciler) Drain(ctx context.Context) {
	select {
	case r.drainCh <- ctx:
	default:
	}
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("reconcile: drain timed out")
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-r.drainCh:
			default:
			}
			if drainCtx != nil {
				r.Tick(drainCtx)
			}
			r.once.Do(func() { close(r.done) })
			return
		case <-ticker.C():
			tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			r.Tick(tickCtx)
			cancel()
		}
	}
}

// Tick runs one reconciliation pass over all active agents. Exported so tests
// can drive the loop deterministically with a fake clock. Per-agent failures
// are logged and skipped; one broken agent never stalls the rest of the fleet.
func (r *Reconciler) Tick(ctx context.Context) {
	start := r.clock.Now()
	cutoff := r.lastTick
	if cutoff.IsZero() {
		cutoff = start.Add(-r.interval)
	}

	promoted, err := r.db.ListReplicasPromotedSince(ctx, cutoff)
	if err != nil {
		r.logger.Error("reconcile: list promoted replicas", "error", err)
		return
	}
	replenish := make(map[uuid.UUID]bool, len(promoted))
	for _, rep := range promoted {
		replenish[rep.AgentID] = true
	}

	agents, err := r.db.ListActiveAgents(ctx)
	if err != nil {
		r.logger.Error("reconcile: list agents", "error", err)
		return
	}

	for _, agent := range agents {
		if err := r.reconcileAgent(ctx, agent, replenish[agent.ID]); err != nil {
			r.logger.Error("reconcile: agent pass failed", "agent_id", agent.ID, "error", err)
		}
	}

	r.lastTick = start
	r.tickDuration.Record(ctx, float64(r.clock.Now().Sub(start).Milliseconds()))
}

func (r *Reconciler) reconcileAgent(ctx context.Context, agent model.Agent, justPromoted bool) error {
	// Emergency follow-through: a termination notice whose promotion is still
	// outstanding (the slow fallback path) completes here as soon as the
	// emergency replica syncs.
	if agent.NoticeStatus == model.NoticeTermination {
		if err := r.finishEmergency(ctx, agent); err != nil {
			return err
		}
	}

	switch agent.OperatingMode {
	case model.ModeManualReplica:
		return r.ensureStandby(ctx, agent, justPromoted)
	case model.ModeAutoSwitch:
		// Standing manual replicas are leftovers from a mode flip. Emergency
		// replicas stay: the failover protocol owns their lifecycle.
		if agent.NoticeStatus == model.NoticeNone {
			if err := r.teardownStandbys(ctx, agent); err != nil {
				return err
			}
			return r.proposeRecommended(ctx, agent)
		}
	}
	return nil
}

// proposeRecommended asks the recommender whether the agent should move pools
// and queues a switch when it says yes. An undelivered switch already in the
// queue suppresses a new one; the recommendation is re-derived from current
// prices on every tick, so nothing is lost by waiting it out.
func (r *Reconciler) proposeRecommended(ctx context.Context, agent model.Agent) error {
	if r.recommender == nil {
		return nil
	}

	primary, err := r.db.GetPrimaryInstance(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // nothing running yet
		}
		return err
	}

	proposal, err := r.recommender.Evaluate(ctx, &agent, primary.Pool)
	if err != nil {
		return err
	}
	if proposal == nil {
		return nil
	}

	now := r.clock.Now()
	queued, err := r.db.HasDeliverableCommand(ctx, agent.ID, model.CommandSwitch,
		map[string]any{"target_pool": proposal.TargetPool}, now)
	if err != nil {
		return err
	}
	if queued {
		return nil
	}

	requestID := fmt.Sprintf("recommend-%s-%d", agent.ID, now.Unix())
	cmd, _, err := r.fleet.ProposeSwitch(ctx, agent.ID, model.SwitchProposalRequest{
		TargetPool: proposal.TargetPool,
		RequestID:  requestID,
	}, model.TriggerRecommender)
	if err != nil {
		return err
	}

	r.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "propose_switch")))
	r.logger.Info("reconcile: recommended switch queued",
		"agent_id", agent.ID, "command_id", cmd.ID,
		"from_pool", primary.Pool, "to_pool", proposal.TargetPool,
		"hourly_savings", proposal.HourlySavings().String(), "reason", proposal.Reason)
	return nil
}

// finishEmergency promotes a now-Ready replica for an agent still under a
// termination notice. Shares its request id scheme with the failover
// protocol, so a concurrent direct promotion of the same replica settles once.
func (r *Reconciler) finishEmergency(ctx context.Context, agent model.Agent) error {
	rep, err := r.db.GetReadyReplica(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // still syncing, try next tick
		}
		return err
	}

	requestID := "termination-" + rep.ID.String()
	rec, replayed, err := r.fleet.PromoteReplica(ctx, agent.ID, rep.ID, model.TriggerTermination, requestID)
	if err != nil {
		if errors.Is(err, fleet.ErrReplicaNotReady) {
			return nil // lost the race to another promoter
		}
		return err
	}
	if !replayed {
		r.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "emergency_promote")))
		r.logger.Info("reconcile: emergency promotion completed",
			"agent_id", agent.ID, "replica_id", rep.ID, "new_instance_id", rec.NewInstanceID)
	}
	return nil
}

// ensureStandby keeps exactly one active replica for a manual-replica agent.
// A promotion in the last tick window leaves the count at zero, which is the
// same observation, so both cases converge here.
func (r *Reconciler) ensureStandby(ctx context.Context, agent model.Agent, justPromoted bool) error {
	active, err := r.db.ListActiveReplicas(ctx, agent.ID)
	if err != nil {
		return err
	}
	standing := 0
	for _, rep := range active {
		if rep.Lifecycle == model.ReplicaLaunching {
			// A launching replica only counts while its launch command is
			// still deliverable. If the command expired, the replica is a
			// write-off: mark it failed and provision a fresh one.
			live, err := r.db.HasDeliverableCommand(ctx, agent.ID, model.CommandCreateReplica,
				map[string]any{"replica_id": rep.ID.String()}, r.clock.Now())
			if err != nil {
				return err
			}
			if !live {
				if _, err := r.db.UpdateReplicaState(ctx, rep.ID, rep.Version,
					model.ReplicaFailed, rep.SyncState); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
					return err
				}
				r.logger.Warn("reconcile: launch command expired, replica abandoned",
					"agent_id", agent.ID, "replica_id", rep.ID)
				continue
			}
		}
		standing++
	}
	if standing > 0 {
		return nil
	}

	pool, _, err := r.prices.CheapestPool(ctx)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPrice) {
			// No price data yet; retry once samples arrive rather than
			// launching into an arbitrary pool.
			r.logger.Debug("reconcile: no pricing data, skipping replica launch", "agent_id", agent.ID)
			return nil
		}
		return err
	}

	rep, err := r.db.CreateReplica(ctx, model.Replica{
		AgentID:   agent.ID,
		Kind:      model.ReplicaManual,
		SyncState: model.SyncInitializing,
		Lifecycle: model.ReplicaLaunching,
		Pool:      pool,
	})
	if err != nil {
		return err
	}

	payload := map[string]any{
		"replica_id":  rep.ID.String(),
		"target_pool": pool,
	}
	cmd, _, err := r.fleet.Enqueue(ctx, agent.ID, model.CommandCreateReplica,
		model.PriorityManual, payload, "replica-"+rep.ID.String())
	if err != nil {
		return err
	}

	reason := "desired_state"
	if justPromoted {
		reason = "post_promotion"
	}
	r.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "create_replica")))
	r.logger.Info("reconcile: replica launch queued",
		"agent_id", agent.ID, "replica_id", rep.ID, "command_id", cmd.ID,
		"pool", pool, "reason", reason)
	return nil
}

// teardownStandbys queues termination for manual replicas an auto-switch
// agent no longer wants. The deterministic request id keeps re-ticks from
// stacking duplicate commands while the agent works through the queue.
func (r *Reconciler) teardownStandbys(ctx context.Context, agent model.Agent) error {
	active, err := r.db.ListActiveReplicas(ctx, agent.ID)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	for _, rep := range active {
		if rep.Kind != model.ReplicaManual {
			continue
		}
		queued, err := r.db.HasDeliverableCommand(ctx, agent.ID, model.CommandTerminate,
			map[string]any{"replica_id": rep.ID.String()}, now)
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		payload := map[string]any{"replica_id": rep.ID.String()}
		if rep.InstanceID != nil {
			payload["instance_id"] = rep.InstanceID.String()
		}
		requestID := fmt.Sprintf("terminate-%s-%d", rep.ID, now.Unix())
		_, _, err = r.fleet.Enqueue(ctx, agent.ID, model.CommandTerminate,
			model.PriorityScheduled, payload, requestID)
		if err != nil {
			return err
		}
		r.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "terminate_replica")))
		r.logger.Info("reconcile: standby teardown queued",
			"agent_id", agent.ID, "replica_id", rep.ID)
	}
	return nil
}
