package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spotherd/spotherd/internal/model"
)

// Tx-scoped reads and writes used by callers that compose several entity
// mutations into one commit (command report application, promotion flows).
// Exported functions take the transaction explicitly; the *DB methods in the
// sibling files are the single-statement convenience paths.

// LockAgentTx reads an agent row under FOR UPDATE, serializing against other
// writers for the remainder of the transaction. Soft-deleted agents are not
// returned.
func LockAgentTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Agent, error) {
	agent, err := scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: lock agent: %w", err)
	}
	return agent, nil
}

// PrimaryInstanceTx returns the agent's current RunningPrimary instance, or
// nil when the agent has none.
func PrimaryInstanceTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (*model.Instance, error) {
	inst, err := scanInstance(tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE agent_id = $1 AND role = 'running_primary'`, agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: primary instance: %w", err)
	}
	return &inst, nil
}

// GetInstanceTx reads an instance row inside a transaction.
func GetInstanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Instance, error) {
	inst, err := scanInstance(tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Instance{}, fmt.Errorf("storage: instance %s: %w", id, ErrNotFound)
		}
		return model.Instance{}, fmt.Errorf("storage: get instance: %w", err)
	}
	return inst, nil
}

// LockReplicaTx reads a replica row under FOR UPDATE.
func LockReplicaTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Replica, error) {
	rep, err := scanReplica(tx.QueryRow(ctx,
		`SELECT `+replicaColumns+` FROM replicas WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Replica{}, fmt.Errorf("storage: replica %s: %w", id, ErrNotFound)
		}
		return model.Replica{}, fmt.Errorf("storage: lock replica: %w", err)
	}
	return rep, nil
}

// AttachReplicaInstanceTx binds a freshly launched instance to a replica and
// moves it from launching to syncing.
func AttachReplicaInstanceTx(ctx context.Context, tx pgx.Tx, replicaID, instanceID uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`UPDATE replicas
		 SET instance_id = $2, lifecycle = 'syncing', sync_state = 'syncing',
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND lifecycle = 'launching'`,
		replicaID, instanceID,
	)
	if err != nil {
		return fmt.Errorf("storage: attach replica instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: replica %s is not launching: %w", replicaID, ErrInvalidTransition)
	}
	return nil
}

// TerminateReplicaTx marks a replica terminated. Already-terminal replicas
// are left untouched and reported via ErrInvalidTransition.
func TerminateReplicaTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`UPDATE replicas
		 SET lifecycle = 'terminated', terminated_at = now(),
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND lifecycle IN ('launching', 'syncing', 'ready')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: terminate replica: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: replica %s is not active: %w", id, ErrInvalidTransition)
	}
	return nil
}

// TerminateInstanceTx moves an instance to Terminated from any live role and
// stamps terminated_at. Terminating an already-terminated instance is a no-op.
func TerminateInstanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE instances
		 SET role = 'terminated', terminated_at = COALESCE(terminated_at, now()),
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND role <> 'terminated'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: terminate instance: %w", err)
	}
	return nil
}
