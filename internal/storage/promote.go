package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spotherd/spotherd/internal/model"
)

// PromoteParams describes one atomic primary transition.
type PromoteParams struct {
	AgentID              uuid.UUID
	NewInstanceID        uuid.UUID
	ExpectedAgentVersion int64
	// ReplicaID, when set, is the Ready replica being consumed by this
	// promotion; it moves to Promoted in the same transaction.
	ReplicaID *uuid.UUID
}

// PromotePrimary performs the primary transition in a single transaction,
// re-running it on transient conflicts (deadlock, serialization failure).
// A lost version CAS is not transient and surfaces as ErrVersionConflict.
// See PromotePrimaryTx for the sequence.
func (db *DB) PromotePrimary(ctx context.Context, p PromoteParams) (model.Agent, error) {
	var agent model.Agent
	err := WithRetry(ctx, transientRetries, transientBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin promote tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		agent, err = PromotePrimaryTx(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit promote tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Agent{}, err
	}
	return agent, nil
}

// RegisterPrimary creates an instance row and promotes it to primary in one
// transaction. The agent row is locked first, so an aborted promotion rolls
// the insert back with it and never strands a Launching row. Idempotent on
// the provider instance id: when the sitting primary already carries it,
// that primary is returned unchanged and existed is true.
func (db *DB) RegisterPrimary(ctx context.Context, inst model.Instance) (model.Instance, bool, error) {
	var (
		registered model.Instance
		existed    bool
	)
	err := WithRetry(ctx, transientRetries, transientBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin register tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		agent, err := LockAgentTx(ctx, tx, inst.AgentID)
		if err != nil {
			return err
		}
		current, err := PrimaryInstanceTx(ctx, tx, inst.AgentID)
		if err != nil {
			return err
		}
		if current != nil && current.ProviderInstanceID == inst.ProviderInstanceID {
			registered, existed = *current, true
			return nil
		}

		created, err := CreateInstanceTx(ctx, tx, inst)
		if err != nil {
			return err
		}
		if _, err := PromotePrimaryTx(ctx, tx, PromoteParams{
			AgentID:              inst.AgentID,
			NewInstanceID:        created.ID,
			ExpectedAgentVersion: agent.Version,
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit register tx: %w", err)
		}
		created.Role = model.RoleRunningPrimary
		registered, existed = created, false
		return nil
	})
	if err != nil {
		return model.Instance{}, false, err
	}
	return registered, existed, nil
}

// PromotePrimaryTx executes the primary transition inside an existing
// transaction, all-or-nothing:
//
//  1. Lock the agent row and check the expected version (CAS).
//  2. Demote the current RunningPrimary, if any, to Zombie or Terminating
//     per auto_terminate_enabled.
//  3. Move the new instance to RunningPrimary.
//  4. Mark the consumed replica Promoted, if one was supplied.
//  5. Update the agent's current refs and bump its version.
//
// A failed version check returns ErrVersionConflict with nothing written;
// the caller re-reads and retries. This single transaction is what upholds
// the one-primary-per-agent invariant when promotions race.
func PromotePrimaryTx(ctx context.Context, tx pgx.Tx, p PromoteParams) (model.Agent, error) {
	var (
		version       int64
		autoTerminate bool
	)
	err := tx.QueryRow(ctx,
		`SELECT version, auto_terminate_enabled FROM agents
		 WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		p.AgentID,
	).Scan(&version, &autoTerminate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", p.AgentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: lock agent for promote: %w", err)
	}
	if version != p.ExpectedAgentVersion {
		return model.Agent{}, fmt.Errorf("storage: agent %s version %d != expected %d: %w",
			p.AgentID, version, p.ExpectedAgentVersion, ErrVersionConflict)
	}

	var oldPrimaryID *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM instances WHERE agent_id = $1 AND role = 'running_primary' FOR UPDATE`,
		p.AgentID,
	).Scan(&oldPrimaryID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("storage: find current primary: %w", err)
	}

	if oldPrimaryID != nil {
		if *oldPrimaryID == p.NewInstanceID {
			return model.Agent{}, fmt.Errorf("storage: instance %s is already primary: %w",
				p.NewInstanceID, ErrInvalidTransition)
		}
		if err := setInstanceRoleTx(ctx, tx, *oldPrimaryID,
			[]model.InstanceRole{model.RoleRunningPrimary},
			model.DemotedRole(autoTerminate),
		); err != nil {
			return model.Agent{}, err
		}
	}

	if err := setInstanceRoleTx(ctx, tx, p.NewInstanceID,
		[]model.InstanceRole{model.RoleLaunching, model.RoleRunningReplica, model.RolePromoting},
		model.RoleRunningPrimary,
	); err != nil {
		return model.Agent{}, err
	}

	if p.ReplicaID != nil {
		if err := markReplicaPromotedTx(ctx, tx, *p.ReplicaID); err != nil {
			return model.Agent{}, err
		}
	}

	agent, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents
		 SET current_instance_id = $2,
		     current_replica_id = CASE WHEN current_replica_id = $3 THEN NULL ELSE current_replica_id END,
		     notice_status = 'none',
		     notice_deadline = NULL,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+agentColumns,
		p.AgentID, p.NewInstanceID, p.ReplicaID,
	))
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: update agent refs: %w", err)
	}
	return agent, nil
}
