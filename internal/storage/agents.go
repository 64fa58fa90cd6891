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

// agentColumns is the canonical select list for agent rows. Keep in sync
// with scanAgent.
const agentColumns = `id, client_id, name, operating_mode, auto_terminate_enabled,
	terminate_wait_seconds, last_heartbeat_at, online, notice_status, notice_deadline,
	current_instance_id, current_replica_id, api_key_hash, version, created_at, updated_at, deleted_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var (
		a        model.Agent
		waitSecs int64
	)
	err := row.Scan(
		&a.ID, &a.ClientID, &a.Name, &a.OperatingMode, &a.AutoTerminateEnabled,
		&waitSecs, &a.LastHeartbeatAt, &a.Online, &a.NoticeStatus, &a.NoticeDeadline,
		&a.CurrentInstanceID, &a.CurrentReplicaID, &a.APIKeyHash, &a.Version,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	)
	if err != nil {
		return model.Agent{}, err
	}
	a.TerminateWait = time.Duration(waitSecs) * time.Second
	return a, nil
}

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	agent.Version = 1
	if agent.NoticeStatus == "" {
		agent.NoticeStatus = model.NoticeNone
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, client_id, name, operating_mode, auto_terminate_enabled,
		                     terminate_wait_seconds, notice_status, api_key_hash, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.ClientID, agent.Name, string(agent.OperatingMode), agent.AutoTerminateEnabled,
		int64(agent.TerminateWait/time.Second), string(agent.NoticeStatus), agent.APIKeyHash,
		agent.Version, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by id, including soft-deleted agents
// (callers check Deleted() where that matters).
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns non-deleted agents for one client with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListAgents(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE client_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		clientID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListActiveAgents returns every non-deleted agent. Used by the
// reconciliation loop, which walks the whole fleet each tick.
func (db *DB) ListActiveAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE deleted_at IS NULL ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentConfig applies a partial configuration update guarded by the
// agent's version. Returns the updated agent, or ErrVersionConflict when the
// stored version no longer matches expectedVersion.
func (db *DB) UpdateAgentConfig(ctx context.Context, id uuid.UUID, expectedVersion int64, update model.AgentConfigUpdate) (model.Agent, error) {
	var mode *string
	if update.OperatingMode != nil {
		m := string(*update.OperatingMode)
		mode = &m
	}
	var waitSecs *int64
	if update.TerminateWait != nil {
		s := int64(*update.TerminateWait / time.Second)
		waitSecs = &s
	}

	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET operating_mode = COALESCE($3, operating_mode),
		     auto_terminate_enabled = COALESCE($4, auto_terminate_enabled),
		     terminate_wait_seconds = COALESCE($5, terminate_wait_seconds),
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		 RETURNING `+agentColumns,
		id, expectedVersion, mode, update.AutoTerminateEnabled, waitSecs,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, db.agentMissOrConflict(ctx, id)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent config: %w", err)
	}
	return a, nil
}

// SetAgentNotice records a provider interruption notice on the agent. The
// write is absolute (not CAS-guarded) but still bumps the version so
// concurrent CAS writers observe the change.
func (db *DB) SetAgentNotice(ctx context.Context, id uuid.UUID, status model.NoticeStatus, deadline *time.Time) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET notice_status = $2, notice_deadline = $3, version = version + 1, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING `+agentColumns,
		id, string(status), deadline,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: set agent notice: %w", err)
	}
	return a, nil
}

// TouchHeartbeat records a liveness ping and returns true when the agent
// transitioned offline→online. Liveness fields are commutative single-column
// writes and deliberately do not bump the version; config CAS would otherwise
// conflict on every heartbeat.
func (db *DB) TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var wasOnline bool
	err := db.pool.QueryRow(ctx,
		`WITH prev AS (SELECT online FROM agents WHERE id = $1)
		 UPDATE agents SET last_heartbeat_at = $2, online = true, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING (SELECT online FROM prev)`,
		id, at,
	).Scan(&wasOnline)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("storage: touch heartbeat: %w", err)
	}
	return !wasOnline, nil
}

// SweepOffline flips agents offline whose last heartbeat is older than
// cutoff. Returns the number of agents transitioned.
func (db *DB) SweepOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET online = false, updated_at = now()
		 WHERE online = true AND deleted_at IS NULL
		   AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SoftDeleteAgent marks an agent deleted. History (instances, commands,
// switch records) is retained.
func (db *DB) SoftDeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET deleted_at = now(), online = false, version = version + 1, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: soft delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// agentMissOrConflict distinguishes "no such agent" from "version moved" after
// a zero-row CAS update.
func (db *DB) agentMissOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND deleted_at IS NULL)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check agent existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("storage: agent %s: %w", id, ErrVersionConflict)
}
