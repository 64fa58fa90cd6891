package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spotherd/spotherd/internal/model"
)

const replicaColumns = `id, agent_id, instance_id, kind, sync_state, lifecycle, emergency,
	pool, version, promoted_at, terminated_at, created_at, updated_at`

func scanReplica(row pgx.Row) (model.Replica, error) {
	var r model.Replica
	err := row.Scan(
		&r.ID, &r.AgentID, &r.InstanceID, &r.Kind, &r.SyncState, &r.Lifecycle,
		&r.Emergency, &r.Pool, &r.Version, &r.PromotedAt, &r.TerminatedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateReplica inserts a new replica row in the Launching/Initializing state.
func (db *DB) CreateReplica(ctx context.Context, rep model.Replica) (model.Replica, error) {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	if rep.SyncState == "" {
		rep.SyncState = model.SyncInitializing
	}
	if rep.Lifecycle == "" {
		rep.Lifecycle = model.ReplicaLaunching
	}
	now := time.Now().UTC()
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = now
	}
	rep.UpdatedAt = now
	rep.Version = 1

	_, err := db.pool.Exec(ctx,
		`INSERT INTO replicas (id, agent_id, instance_id, kind, sync_state, lifecycle, emergency,
		                       pool, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rep.ID, rep.AgentID, rep.InstanceID, string(rep.Kind), string(rep.SyncState),
		string(rep.Lifecycle), rep.Emergency, rep.Pool, rep.Version, rep.CreatedAt, rep.UpdatedAt,
	)
	if err != nil {
		return model.Replica{}, fmt.Errorf("storage: create replica: %w", err)
	}
	return rep, nil
}

// GetReplica retrieves a replica by id.
func (db *DB) GetReplica(ctx context.Context, id uuid.UUID) (model.Replica, error) {
	r, err := scanReplica(db.pool.QueryRow(ctx,
		`SELECT `+replicaColumns+` FROM replicas WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Replica{}, fmt.Errorf("storage: replica %s: %w", id, ErrNotFound)
		}
		return model.Replica{}, fmt.Errorf("storage: get replica: %w", err)
	}
	return r, nil
}

// GetReadyReplica returns the agent's oldest Ready replica, or ErrNotFound.
// Oldest first so promotions consume the longest-synced standby.
func (db *DB) GetReadyReplica(ctx context.Context, agentID uuid.UUID) (model.Replica, error) {
	r, err := scanReplica(db.pool.QueryRow(ctx,
		`SELECT `+replicaColumns+` FROM replicas
		 WHERE agent_id = $1 AND lifecycle = 'ready' AND sync_state = 'synced'
		 ORDER BY created_at ASC LIMIT 1`,
		agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Replica{}, fmt.Errorf("storage: ready replica for agent %s: %w", agentID, ErrNotFound)
		}
		return model.Replica{}, fmt.Errorf("storage: get ready replica: %w", err)
	}
	return r, nil
}

// ListActiveReplicas returns the agent's replicas still occupying capacity
// (Launching, Syncing or Ready).
func (db *DB) ListActiveReplicas(ctx context.Context, agentID uuid.UUID) ([]model.Replica, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+replicaColumns+` FROM replicas
		 WHERE agent_id = $1 AND lifecycle IN ('launching', 'syncing', 'ready')
		 ORDER BY created_at ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active replicas: %w", err)
	}
	defer rows.Close()

	var out []model.Replica
	for rows.Next() {
		r, err := scanReplica(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan replica: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListReplicasPromotedSince returns replicas whose promotion landed at or
// after the cutoff. The reconciliation loop uses this to replenish standbys
// consumed by a promotion in the last tick window.
func (db *DB) ListReplicasPromotedSince(ctx context.Context, cutoff time.Time) ([]model.Replica, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+replicaColumns+` FROM replicas
		 WHERE lifecycle = 'promoted' AND promoted_at >= $1
		 ORDER BY promoted_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list promoted replicas: %w", err)
	}
	defer rows.Close()

	var out []model.Replica
	for rows.Next() {
		r, err := scanReplica(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan replica: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateReplicaState transitions a replica's lifecycle and sync state,
// guarded by version. Terminal lifecycles stamp their timestamp columns.
func (db *DB) UpdateReplicaState(ctx context.Context, id uuid.UUID, expectedVersion int64, lifecycle model.ReplicaLifecycle, sync model.SyncState) (model.Replica, error) {
	r, err := scanReplica(db.pool.QueryRow(ctx,
		`UPDATE replicas
		 SET lifecycle = $3,
		     sync_state = $4,
		     terminated_at = CASE WHEN $3 IN ('terminated', 'failed') THEN now() ELSE terminated_at END,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING `+replicaColumns,
		id, expectedVersion, string(lifecycle), string(sync),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Replica{}, db.replicaMissOrConflict(ctx, id)
		}
		return model.Replica{}, fmt.Errorf("storage: update replica state: %w", err)
	}
	return r, nil
}

// AttachReplicaInstance links a launched instance to its replica row and
// moves the replica into Syncing.
func (db *DB) AttachReplicaInstance(ctx context.Context, id uuid.UUID, expectedVersion int64, instanceID uuid.UUID) (model.Replica, error) {
	r, err := scanReplica(db.pool.QueryRow(ctx,
		`UPDATE replicas
		 SET instance_id = $3, lifecycle = 'syncing', sync_state = 'syncing',
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2 AND lifecycle = 'launching'
		 RETURNING `+replicaColumns,
		id, expectedVersion, instanceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Replica{}, db.replicaMissOrConflict(ctx, id)
		}
		return model.Replica{}, fmt.Errorf("storage: attach replica instance: %w", err)
	}
	return r, nil
}

// markReplicaPromotedTx moves a Ready replica to Promoted inside an existing
// transaction, guarded by lifecycle: a concurrent promotion of the same
// replica makes the second transaction fail here and roll back whole.
func markReplicaPromotedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`UPDATE replicas
		 SET lifecycle = 'promoted', promoted_at = now(), version = version + 1, updated_at = now()
		 WHERE id = $1 AND lifecycle = 'ready' AND sync_state = 'synced'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark replica promoted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: replica %s not ready: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (db *DB) replicaMissOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM replicas WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check replica existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: replica %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("storage: replica %s: %w", id, ErrVersionConflict)
}
