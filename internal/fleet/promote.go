package fleet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/storage"
)

// PromoteReplica promotes a Ready replica to primary directly, without a
// round trip through the command queue. This is the path the emergency
// protocol takes; the replica's instance is already running, so promotion is
// purely an orchestration-side transaction.
//
// Idempotent on requestID: the promotion, its switch record, and the savings
// settlement commit together exactly once, and a retry replays the stored
// record.
func (s *Service) PromoteReplica(ctx context.Context, agentID, replicaID uuid.UUID, trigger model.SwitchTrigger, requestID string) (model.SwitchRecord, bool, error) {
	if err := model.ValidateRequestID(requestID); err != nil {
		return model.SwitchRecord{}, false, err
	}

	start := s.clock.Now()
	raw, replayed, err := s.db.Submit(ctx, storage.ScopeSettlement, requestID, func(tx pgx.Tx) (any, error) {
		agent, err := storage.LockAgentTx(ctx, tx, agentID)
		if err != nil {
			return nil, err
		}
		rep, err := storage.LockReplicaTx(ctx, tx, replicaID)
		if err != nil {
			return nil, err
		}
		if rep.AgentID != agentID {
			return nil, fmt.Errorf("fleet: replica %s belongs to another agent: %w",
				replicaID, storage.ErrNotFound)
		}
		if !rep.Promotable() {
			return nil, fmt.Errorf("fleet: replica %s lifecycle=%s sync=%s: %w",
				rep.ID, rep.Lifecycle, rep.SyncState, ErrReplicaNotReady)
		}
		oldPrimary, err := storage.PrimaryInstanceTx(ctx, tx, agentID)
		if err != nil {
			return nil, err
		}

		agent, err = storage.PromotePrimaryTx(ctx, tx, storage.PromoteParams{
			AgentID:              agentID,
			NewInstanceID:        *rep.InstanceID,
			ExpectedAgentVersion: agent.Version,
			ReplicaID:            &rep.ID,
		})
		if err != nil {
			return nil, err
		}
		newInst, err := storage.GetInstanceTx(ctx, tx, *rep.InstanceID)
		if err != nil {
			return nil, err
		}

		return s.settleSwitch(ctx, tx, settleParams{
			agent:       agent,
			requestID:   requestID,
			oldPrimary:  oldPrimary,
			newInstance: newInst,
			trigger:     trigger,
			startedAt:   start,
			completedAt: s.clock.Now(),
		})
	})
	if err != nil {
		return model.SwitchRecord{}, false, err
	}

	var rec model.SwitchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.SwitchRecord{}, replayed, fmt.Errorf("fleet: decode promotion result: %w", err)
	}
	if !replayed {
		s.switchesApplied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", string(trigger)),
		))
		s.logger.Info("replica promoted",
			"agent_id", agentID, "replica_id", replicaID, "trigger", trigger,
			"new_instance_id", rec.NewInstanceID)
	}
	return rec, replayed, nil
}
