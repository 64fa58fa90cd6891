package fleet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/storage"
)

// Heartbeat records an agent's liveness ping and folds in the observed facts
// it carries: replica sync progress and current pool prices. The liveness
// touch is the only part that must succeed; observation failures are logged
// and skipped so a single bad sample never costs the agent its online flag.
func (s *Service) Heartbeat(ctx context.Context, agentID uuid.UUID, req model.HeartbeatRequest) (model.HeartbeatResponse, error) {
	at := req.Timestamp
	if at.IsZero() {
		at = s.clock.Now()
	}
	cameOnline, err := s.db.TouchHeartbeat(ctx, agentID, at)
	if err != nil {
		return model.HeartbeatResponse{}, err
	}
	if cameOnline {
		s.logger.Info("agent back online", "agent_id", agentID)
	}

	// When the agent says which instance it believes it is on, check it
	// against our primary ref. A mismatch means the two sides drifted, for
	// example after a lost switch report; the agent is told to re-register.
	diverged := false
	if req.ObservedInstanceID != nil {
		agent, err := s.db.GetAgent(ctx, agentID)
		if err != nil {
			return model.HeartbeatResponse{}, err
		}
		if agent.CurrentInstanceID == nil || *agent.CurrentInstanceID != *req.ObservedInstanceID {
			diverged = true
			s.logger.Warn("agent instance ref diverged",
				"agent_id", agentID,
				"observed_instance_id", *req.ObservedInstanceID,
				"current_instance_id", agent.CurrentInstanceID)
		}
	}

	for _, status := range req.Replicas {
		if err := s.applyReplicaStatus(ctx, agentID, status); err != nil {
			s.logger.Warn("replica status rejected",
				"agent_id", agentID, "replica_id", status.ReplicaID, "error", err)
		}
	}

	for _, sample := range req.Prices {
		price, err := decimal.NewFromString(sample.Price)
		if err != nil || sample.Pool == "" {
			s.logger.Warn("price sample rejected",
				"agent_id", agentID, "pool", sample.Pool, "error", err)
			continue
		}
		if err := s.db.InsertPoolPrice(ctx, sample.Pool, price, at); err != nil {
			s.logger.Warn("price sample not stored",
				"agent_id", agentID, "pool", sample.Pool, "error", err)
		}
	}

	pending, err := s.db.CountDeliverableCommands(ctx, agentID, s.clock.Now())
	if err != nil {
		return model.HeartbeatResponse{}, err
	}
	return model.HeartbeatResponse{Online: true, PendingCommands: pending, InstanceDiverged: diverged}, nil
}

// applyReplicaStatus moves a replica's lifecycle to match the agent-observed
// sync state. Synced observations make a syncing replica Ready; losing sync
// takes a Ready replica back to Syncing. Terminal replicas are left alone.
func (s *Service) applyReplicaStatus(ctx context.Context, agentID uuid.UUID, status model.ReplicaStatus) error {
	return storage.RetryOnConflict(ctx, conflictRetries, func() error {
		rep, err := s.db.GetReplica(ctx, status.ReplicaID)
		if err != nil {
			return err
		}
		if rep.AgentID != agentID {
			return fmt.Errorf("fleet: replica %s belongs to another agent: %w",
				status.ReplicaID, storage.ErrNotFound)
		}
		if !rep.Lifecycle.Active() || rep.Lifecycle == model.ReplicaLaunching {
			// Nothing to observe before an instance is attached or after the
			// replica is consumed.
			return nil
		}

		lifecycle := rep.Lifecycle
		switch status.SyncState {
		case model.SyncSynced:
			lifecycle = model.ReplicaReady
		case model.SyncSyncing, model.SyncOutOfSync, model.SyncInitializing:
			lifecycle = model.ReplicaSyncing
		default:
			return fmt.Errorf("fleet: invalid sync_state %q", status.SyncState)
		}
		if lifecycle == rep.Lifecycle && status.SyncState == rep.SyncState {
			return nil
		}

		_, err = s.db.UpdateReplicaState(ctx, rep.ID, rep.Version, lifecycle, status.SyncState)
		return err
	})
}
