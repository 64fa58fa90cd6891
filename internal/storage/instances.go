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

const instanceColumns = `id, agent_id, provider_instance_id, pool, role, price_per_hour,
	launched_at, terminated_at, version, created_at, updated_at`

func scanInstance(row pgx.Row) (model.Instance, error) {
	var inst model.Instance
	err := row.Scan(
		&inst.ID, &inst.AgentID, &inst.ProviderInstanceID, &inst.Pool, &inst.Role,
		&inst.PricePerHour, &inst.LaunchedAt, &inst.TerminatedAt,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	return inst, err
}

// CreateInstance inserts a new instance row. New instances start in
// RoleLaunching unless the caller sets a role explicitly.
func (db *DB) CreateInstance(ctx context.Context, inst model.Instance) (model.Instance, error) {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.Role == "" {
		inst.Role = model.RoleLaunching
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Version = 1

	_, err := db.pool.Exec(ctx,
		`INSERT INTO instances (id, agent_id, provider_instance_id, pool, role, price_per_hour,
		                        launched_at, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.AgentID, inst.ProviderInstanceID, inst.Pool, string(inst.Role),
		inst.PricePerHour, inst.LaunchedAt, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return model.Instance{}, fmt.Errorf("storage: create instance: %w", err)
	}
	return inst, nil
}

// CreateInstanceTx inserts an instance inside an existing transaction.
func CreateInstanceTx(ctx context.Context, tx pgx.Tx, inst model.Instance) (model.Instance, error) {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.Role == "" {
		inst.Role = model.RoleLaunching
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Version = 1

	_, err := tx.Exec(ctx,
		`INSERT INTO instances (id, agent_id, provider_instance_id, pool, role, price_per_hour,
		                        launched_at, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.AgentID, inst.ProviderInstanceID, inst.Pool, string(inst.Role),
		inst.PricePerHour, inst.LaunchedAt, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return model.Instance{}, fmt.Errorf("storage: create instance: %w", err)
	}
	return inst, nil
}

// GetInstance retrieves an instance by id.
func (db *DB) GetInstance(ctx context.Context, id uuid.UUID) (model.Instance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
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

// GetPrimaryInstance returns the agent's current running primary, or
// ErrNotFound when no instance holds the role.
func (db *DB) GetPrimaryInstance(ctx context.Context, agentID uuid.UUID) (model.Instance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE agent_id = $1 AND role = $2`,
		agentID, string(model.RoleRunningPrimary),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Instance{}, fmt.Errorf("storage: primary for agent %s: %w", agentID, ErrNotFound)
		}
		return model.Instance{}, fmt.Errorf("storage: get primary instance: %w", err)
	}
	return inst, nil
}

// CountPrimaries returns the number of instances holding RunningPrimary for
// an agent. With the partial unique index this is always 0 or 1.
func (db *DB) CountPrimaries(ctx context.Context, agentID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM instances WHERE agent_id = $1 AND role = $2`,
		agentID, string(model.RoleRunningPrimary),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count primaries: %w", err)
	}
	return n, nil
}

// ListInstances returns all instances for an agent, oldest first.
func (db *DB) ListInstances(ctx context.Context, agentID uuid.UUID) ([]model.Instance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE agent_id = $1 ORDER BY created_at ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list instances: %w", err)
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpdateInstanceRole transitions an instance to a new role, guarded by the
// instance version. Terminal roles stamp terminated_at.
func (db *DB) UpdateInstanceRole(ctx context.Context, id uuid.UUID, expectedVersion int64, role model.InstanceRole) (model.Instance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
		`UPDATE instances
		 SET role = $3,
		     terminated_at = CASE WHEN $3 = 'terminated' THEN now() ELSE terminated_at END,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING `+instanceColumns,
		id, expectedVersion, string(role),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Instance{}, db.instanceMissOrConflict(ctx, id)
		}
		return model.Instance{}, fmt.Errorf("storage: update instance role: %w", err)
	}
	return inst, nil
}

// setInstanceRoleTx transitions an instance role inside an existing
// transaction, guarded by the instance's current role rather than its
// version: the enclosing transaction already holds the row.
func setInstanceRoleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []model.InstanceRole, to model.InstanceRole) error {
	fromStrs := make([]string, len(from))
	for i, r := range from {
		fromStrs[i] = string(r)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE instances
		 SET role = $3,
		     terminated_at = CASE WHEN $3 = 'terminated' THEN now() ELSE terminated_at END,
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND role = ANY($2)`,
		id, fromStrs, string(to),
	)
	if err != nil {
		return fmt.Errorf("storage: set instance role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: instance %s role change to %s: %w", id, to, ErrInvalidTransition)
	}
	return nil
}

func (db *DB) instanceMissOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM instances WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check instance existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: instance %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("storage: instance %s: %w", id, ErrVersionConflict)
}
