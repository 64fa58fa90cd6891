package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/storage"
)

// ProposeSwitch validates a switch proposal against the agent's operating
// mode and enqueues the Switch command. Unlike the emergency paths, this one
// rejects with ErrModeMismatch when the agent is not in auto-switch mode.
func (s *Service) ProposeSwitch(ctx context.Context, agentID uuid.UUID, req model.SwitchProposalRequest, trigger model.SwitchTrigger) (model.Command, bool, error) {
	if req.TargetPool == "" {
		return model.Command{}, false, fmt.Errorf("fleet: target_pool is required")
	}
	if err := model.ValidateRequestID(req.RequestID); err != nil {
		return model.Command{}, false, err
	}

	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return model.Command{}, false, err
	}
	if agent.Deleted() {
		return model.Command{}, false, fmt.Errorf("fleet: agent %s is deleted: %w", agentID, storage.ErrNotFound)
	}
	if agent.OperatingMode != model.ModeAutoSwitch {
		return model.Command{}, false, fmt.Errorf("fleet: agent %s is in %s mode: %w",
			agentID, agent.OperatingMode, ErrModeMismatch)
	}

	priority := model.PriorityMLNormal
	switch {
	case trigger == model.TriggerManual:
		priority = model.PriorityManual
	case req.Urgent:
		priority = model.PriorityMLUrgent
	}

	payload := map[string]any{
		"target_pool": req.TargetPool,
		"trigger":     string(trigger),
	}
	return s.Enqueue(ctx, agentID, model.CommandSwitch, priority, payload, req.RequestID)
}

// Report applies a remote agent's command outcome. The terminal status
// transition and all resulting state changes (promotion, switch record,
// savings settlement, replica attachment) commit in one transaction keyed by
// the report's request id, so a re-delivered report replays the stored result
// and changes nothing.
func (s *Service) Report(ctx context.Context, agentID, commandID uuid.UUID, req model.ReportRequest) (json.RawMessage, bool, error) {
	if err := model.ValidateRequestID(req.RequestID); err != nil {
		return nil, false, err
	}
	status, err := outcomeStatus(req.Outcome)
	if err != nil {
		return nil, false, err
	}

	var switched *model.SwitchRecord
	apply := func(tx pgx.Tx, cmd model.Command) (any, error) {
		if status == model.CommandFailed {
			result := map[string]any{"command_id": cmd.ID, "status": string(status)}
			if req.Error != nil {
				result["error"] = *req.Error
			}
			return result, nil
		}
		switch cmd.Type {
		case model.CommandSwitch:
			rec, result, err := s.applySwitch(ctx, tx, cmd, req)
			switched = rec
			return result, err
		case model.CommandCreateReplica:
			return s.applyReplicaLaunch(ctx, tx, cmd, req)
		case model.CommandPromoteReplica:
			rec, result, err := s.applyReplicaPromotion(ctx, tx, cmd)
			switched = rec
			return result, err
		case model.CommandTerminate:
			return s.applyTerminate(ctx, tx, cmd)
		default:
			return map[string]any{"command_id": cmd.ID, "status": string(status)}, nil
		}
	}

	result, replayed, err := s.db.CompleteCommand(ctx, commandID, agentID, status, req.RequestID, apply)
	if err != nil {
		return nil, false, err
	}
	if !replayed && switched != nil {
		s.switchesApplied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", string(switched.Trigger)),
		))
		s.switchDowntime.Record(ctx, float64(switched.Downtime.Milliseconds()))
		s.logger.Info("switch applied",
			"agent_id", agentID, "command_id", commandID,
			"new_pool", switched.NewPool, "hourly_delta", switched.HourlyDelta,
			"downtime_ms", switched.Downtime.Milliseconds())
	}
	return result, replayed, nil
}

// applySwitch executes a successful switch report: register the replacement
// instance, promote it, and settle the switch in one transaction.
func (s *Service) applySwitch(ctx context.Context, tx pgx.Tx, cmd model.Command, req model.ReportRequest) (*model.SwitchRecord, any, error) {
	detail := req.Switch
	if detail == nil {
		return nil, nil, fmt.Errorf("fleet: switch report missing switch detail")
	}
	if detail.NewProviderInstanceID == "" || detail.NewPool == "" {
		return nil, nil, fmt.Errorf("fleet: switch report missing instance or pool")
	}

	agent, err := storage.LockAgentTx(ctx, tx, cmd.AgentID)
	if err != nil {
		return nil, nil, err
	}
	oldPrimary, err := storage.PrimaryInstanceTx(ctx, tx, cmd.AgentID)
	if err != nil {
		return nil, nil, err
	}

	newPrice := s.lookupPrice(ctx, detail.NewPool)
	launchedAt := detail.StartedAt
	inst, err := storage.CreateInstanceTx(ctx, tx, model.Instance{
		AgentID:            cmd.AgentID,
		ProviderInstanceID: detail.NewProviderInstanceID,
		Pool:               detail.NewPool,
		Role:               model.RoleLaunching,
		PricePerHour:       newPrice,
		LaunchedAt:         &launchedAt,
	})
	if err != nil {
		return nil, nil, err
	}

	// The agent row is locked above, so the version cannot move under us.
	agent, err = storage.PromotePrimaryTx(ctx, tx, storage.PromoteParams{
		AgentID:              cmd.AgentID,
		NewInstanceID:        inst.ID,
		ExpectedAgentVersion: agent.Version,
	})
	if err != nil {
		return nil, nil, err
	}

	rec, err := s.settleSwitch(ctx, tx, settleParams{
		agent:       agent,
		command:     &cmd,
		requestID:   cmd.RequestID,
		oldPrimary:  oldPrimary,
		newInstance: inst,
		trigger:     payloadTrigger(cmd.Payload, model.TriggerRecommender),
		downtime:    time.Duration(detail.DowntimeMillis) * time.Millisecond,
		startedAt:   detail.StartedAt,
		completedAt: detail.CompletedAt,
	})
	if err != nil {
		return nil, nil, err
	}

	result := map[string]any{
		"command_id":       cmd.ID,
		"status":           string(model.CommandSucceeded),
		"switch_record_id": rec.ID,
		"new_instance_id":  inst.ID,
		"agent_version":    agent.Version,
	}
	return &rec, result, nil
}

// applyReplicaLaunch binds the reported instance to the replica the command
// was issued for and moves the replica into syncing.
func (s *Service) applyReplicaLaunch(ctx context.Context, tx pgx.Tx, cmd model.Command, req model.ReportRequest) (any, error) {
	detail := req.Replica
	if detail == nil {
		return nil, fmt.Errorf("fleet: create_replica report missing replica detail")
	}
	replicaID, err := payloadUUID(cmd.Payload, "replica_id")
	if err != nil {
		return nil, err
	}

	rep, err := storage.LockReplicaTx(ctx, tx, replicaID)
	if err != nil {
		return nil, err
	}
	price, err := parseOptionalPrice(detail.PricePerHour)
	if err != nil {
		return nil, err
	}
	inst, err := storage.CreateInstanceTx(ctx, tx, model.Instance{
		AgentID:            cmd.AgentID,
		ProviderInstanceID: detail.ProviderInstanceID,
		Pool:               detail.Pool,
		Role:               model.RoleRunningReplica,
		PricePerHour:       price,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.AttachReplicaInstanceTx(ctx, tx, rep.ID, inst.ID); err != nil {
		return nil, err
	}

	return map[string]any{
		"command_id":  cmd.ID,
		"status":      string(model.CommandSucceeded),
		"replica_id":  rep.ID,
		"instance_id": inst.ID,
	}, nil
}

// applyReplicaPromotion promotes the Ready replica named in the command
// payload and settles the switch.
func (s *Service) applyReplicaPromotion(ctx context.Context, tx pgx.Tx, cmd model.Command) (*model.SwitchRecord, any, error) {
	replicaID, err := payloadUUID(cmd.Payload, "replica_id")
	if err != nil {
		return nil, nil, err
	}

	agent, err := storage.LockAgentTx(ctx, tx, cmd.AgentID)
	if err != nil {
		return nil, nil, err
	}
	rep, err := storage.LockReplicaTx(ctx, tx, replicaID)
	if err != nil {
		return nil, nil, err
	}
	if !rep.Promotable() {
		return nil, nil, fmt.Errorf("fleet: replica %s lifecycle=%s sync=%s: %w",
			rep.ID, rep.Lifecycle, rep.SyncState, ErrReplicaNotReady)
	}
	oldPrimary, err := storage.PrimaryInstanceTx(ctx, tx, cmd.AgentID)
	if err != nil {
		return nil, nil, err
	}

	agent, err = storage.PromotePrimaryTx(ctx, tx, storage.PromoteParams{
		AgentID:              cmd.AgentID,
		NewInstanceID:        *rep.InstanceID,
		ExpectedAgentVersion: agent.Version,
		ReplicaID:            &rep.ID,
	})
	if err != nil {
		return nil, nil, err
	}
	newInst, err := scanPromotedInstance(ctx, tx, *rep.InstanceID)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	rec, err := s.settleSwitch(ctx, tx, settleParams{
		agent:       agent,
		command:     &cmd,
		requestID:   cmd.RequestID,
		oldPrimary:  oldPrimary,
		newInstance: newInst,
		trigger:     payloadTrigger(cmd.Payload, model.TriggerReconciler),
		startedAt:   cmd.CreatedAt,
		completedAt: now,
	})
	if err != nil {
		return nil, nil, err
	}

	result := map[string]any{
		"command_id":       cmd.ID,
		"status":           string(model.CommandSucceeded),
		"switch_record_id": rec.ID,
		"new_instance_id":  *rep.InstanceID,
		"agent_version":    agent.Version,
	}
	return &rec, result, nil
}

// applyTerminate marks the replica and/or instance named in the payload
// terminated.
func (s *Service) applyTerminate(ctx context.Context, tx pgx.Tx, cmd model.Command) (any, error) {
	result := map[string]any{
		"command_id": cmd.ID,
		"status":     string(model.CommandSucceeded),
	}

	if replicaID, err := payloadUUID(cmd.Payload, "replica_id"); err == nil {
		rep, err := storage.LockReplicaTx(ctx, tx, replicaID)
		if err != nil {
			return nil, err
		}
		if err := storage.TerminateReplicaTx(ctx, tx, rep.ID); err != nil {
			return nil, err
		}
		if rep.InstanceID != nil {
			if err := storage.TerminateInstanceTx(ctx, tx, *rep.InstanceID); err != nil {
				return nil, err
			}
		}
		result["replica_id"] = rep.ID
		return result, nil
	}

	instanceID, err := payloadUUID(cmd.Payload, "instance_id")
	if err != nil {
		return nil, fmt.Errorf("fleet: terminate command names neither replica_id nor instance_id")
	}
	if err := storage.TerminateInstanceTx(ctx, tx, instanceID); err != nil {
		return nil, err
	}
	result["instance_id"] = instanceID
	return result, nil
}

// settleParams collects everything needed to record and settle one executed
// primary transition.
type settleParams struct {
	agent       model.Agent
	command     *model.Command
	requestID   string
	oldPrimary  *model.Instance
	newInstance model.Instance
	trigger     model.SwitchTrigger
	downtime    time.Duration
	startedAt   time.Time
	completedAt time.Time
}

// settleSwitch appends the SwitchRecord and, when both prices are known, the
// savings ledger entry. Runs inside the report transaction; idempotency is
// the caller's memo plus the unique request_id constraints on both tables.
func (s *Service) settleSwitch(ctx context.Context, tx pgx.Tx, p settleParams) (model.SwitchRecord, error) {
	rec := model.SwitchRecord{
		AgentID:       p.agent.ID,
		ClientID:      p.agent.ClientID,
		RequestID:     p.requestID,
		NewInstanceID: p.newInstance.ID,
		NewPool:       p.newInstance.Pool,
		NewPrice:      p.newInstance.PricePerHour,
		Trigger:       p.trigger,
		Downtime:      p.downtime,
		StartedAt:     p.startedAt,
		CompletedAt:   p.completedAt,
	}
	if p.command != nil {
		rec.CommandID = &p.command.ID
	}
	if p.oldPrimary != nil {
		rec.OldInstanceID = &p.oldPrimary.ID
		rec.OldPool = p.oldPrimary.Pool
		rec.OldPrice = p.oldPrimary.PricePerHour
	}
	if rec.OldPrice != nil && rec.NewPrice != nil {
		rec.HourlyDelta = rec.OldPrice.Sub(*rec.NewPrice)
	}

	rec, err := storage.InsertSwitchRecordTx(ctx, tx, rec)
	if err != nil {
		return model.SwitchRecord{}, err
	}

	if rec.OldPrice != nil && rec.NewPrice != nil {
		horizon := int(s.savingsHorizon.Hours())
		amount := rec.HourlyDelta.Mul(decimal.NewFromInt(int64(horizon)))
		err := storage.AppendSavingsTx(ctx, tx, model.SavingsEntry{
			ClientID:     p.agent.ClientID,
			AgentID:      p.agent.ID,
			RequestID:    p.requestID,
			HourlyDelta:  rec.HourlyDelta,
			HorizonHours: horizon,
			Amount:       amount,
		})
		if err != nil {
			return model.SwitchRecord{}, err
		}
	}
	return rec, nil
}

// lookupPrice fetches the latest known price for a pool; unknown pools yield
// nil rather than an error, since a switch must not fail on missing pricing.
func (s *Service) lookupPrice(ctx context.Context, pool string) *decimal.Decimal {
	price, err := s.prices.CurrentPrice(ctx, pool)
	if err != nil {
		if !errors.Is(err, pricing.ErrNoPrice) {
			s.logger.Warn("price lookup failed", "pool", pool, "error", err)
		}
		return nil
	}
	return &price
}

func scanPromotedInstance(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Instance, error) {
	return storage.GetInstanceTx(ctx, tx, id)
}

func payloadUUID(payload map[string]any, key string) (uuid.UUID, error) {
	raw, ok := payload[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("fleet: command payload missing %s", key)
	}
	str, ok := raw.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("fleet: command payload %s is not a string", key)
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, fmt.Errorf("fleet: command payload %s: %w", key, err)
	}
	return id, nil
}

func payloadTrigger(payload map[string]any, fallback model.SwitchTrigger) model.SwitchTrigger {
	if raw, ok := payload["trigger"].(string); ok && raw != "" {
		return model.SwitchTrigger(raw)
	}
	return fallback
}

func parseOptionalPrice(raw *string) (*decimal.Decimal, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	price, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("fleet: invalid price %q: %w", *raw, err)
	}
	return &price, nil
}
