package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spotherd/spotherd/internal/model"
)

const commandColumns = `id, agent_id, type, priority, payload, request_id, status,
	expires_at, delivered_at, completed_at, version, created_at, updated_at`

func scanCommand(row pgx.Row) (model.Command, error) {
	var c model.Command
	err := row.Scan(
		&c.ID, &c.AgentID, &c.Type, &c.Priority, &c.Payload, &c.RequestID, &c.Status,
		&c.ExpiresAt, &c.DeliveredAt, &c.CompletedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// EnqueueCommand inserts a command for an agent. The insert is idempotent on
// request_id: a duplicate enqueue returns the existing command with the bool
// set. Enqueueing for a soft-deleted agent fails with ErrNotFound.
func (db *DB) EnqueueCommand(ctx context.Context, cmd model.Command) (model.Command, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Command{}, false, fmt.Errorf("storage: begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deletedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT deleted_at FROM agents WHERE id = $1`, cmd.AgentID).Scan(&deletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Command{}, false, fmt.Errorf("storage: agent %s: %w", cmd.AgentID, ErrNotFound)
		}
		return model.Command{}, false, fmt.Errorf("storage: enqueue agent check: %w", err)
	}
	if deletedAt != nil {
		return model.Command{}, false, fmt.Errorf("storage: agent %s is deleted: %w", cmd.AgentID, ErrNotFound)
	}

	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.Status == "" {
		cmd.Status = model.CommandPending
	}
	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	cmd.Version = 1

	tag, err := tx.Exec(ctx,
		`INSERT INTO commands (id, agent_id, type, priority, payload, request_id, status,
		                       expires_at, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (request_id) DO NOTHING`,
		cmd.ID, cmd.AgentID, string(cmd.Type), int(cmd.Priority), cmd.Payload, cmd.RequestID,
		string(cmd.Status), cmd.ExpiresAt, cmd.Version, cmd.CreatedAt, cmd.UpdatedAt,
	)
	if err != nil {
		return model.Command{}, false, fmt.Errorf("storage: enqueue command: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := scanCommand(tx.QueryRow(ctx,
			`SELECT `+commandColumns+` FROM commands WHERE request_id = $1`, cmd.RequestID,
		))
		if err != nil {
			return model.Command{}, false, fmt.Errorf("storage: lookup existing command: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return model.Command{}, false, fmt.Errorf("storage: commit enqueue tx: %w", err)
		}
		return existing, true, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Command{}, false, fmt.Errorf("storage: commit enqueue tx: %w", err)
	}
	return cmd, false, nil
}

// GetCommand retrieves a command by id.
func (db *DB) GetCommand(ctx context.Context, id uuid.UUID) (model.Command, error) {
	c, err := scanCommand(db.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Command{}, fmt.Errorf("storage: command %s: %w", id, ErrNotFound)
		}
		return model.Command{}, fmt.Errorf("storage: get command: %w", err)
	}
	return c, nil
}

// PollCommands returns the agent's undelivered and unacknowledged commands in
// delivery order (priority desc, created_at asc) and marks them Delivered in
// the same transaction. Expired commands are never returned, even before the
// sweep has transitioned them.
func (db *DB) PollCommands(ctx context.Context, agentID uuid.UUID, now time.Time) ([]model.Command, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin poll tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE agent_id = $1 AND status IN ('pending', 'delivered') AND expires_at > $2
		 ORDER BY priority DESC, created_at ASC
		 FOR UPDATE`,
		agentID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: poll commands: %w", err)
	}

	var cmds []model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan command: %w", err)
		}
		cmds = append(cmds, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: poll commands: %w", err)
	}

	if len(cmds) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(cmds))
	for i, c := range cmds {
		ids[i] = c.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE commands
		 SET status = 'delivered', delivered_at = COALESCE(delivered_at, now()),
		     version = version + 1, updated_at = now()
		 WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, fmt.Errorf("storage: mark delivered: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit poll tx: %w", err)
	}

	for i := range cmds {
		cmds[i].Status = model.CommandDelivered
	}
	return cmds, nil
}

// CompleteCommand transitions a command to a terminal status and runs apply
// inside the same transaction, memoizing the combined result under
// (ScopeReport, requestID). A duplicate report replays the stored result and
// leaves all state untouched.
//
// apply may be nil for commands whose outcome carries no state change beyond
// the status transition.
func (db *DB) CompleteCommand(
	ctx context.Context,
	commandID, agentID uuid.UUID,
	status model.CommandStatus,
	requestID string,
	apply func(pgx.Tx, model.Command) (any, error),
) (json.RawMessage, bool, error) {
	if !status.Terminal() || status == model.CommandExpired {
		return nil, false, fmt.Errorf("storage: complete command: invalid target status %q", status)
	}

	var (
		payload  json.RawMessage
		replayed bool
	)
	err := WithRetry(ctx, transientRetries, transientBaseDelay, func() error {
		var attemptErr error
		payload, replayed, attemptErr = db.completeCommandOnce(ctx, commandID, agentID, status, requestID, apply)
		return attemptErr
	})
	if err != nil {
		return nil, false, err
	}
	return payload, replayed, nil
}

// completeCommandOnce is one transactional attempt of CompleteCommand.
func (db *DB) completeCommandOnce(
	ctx context.Context,
	commandID, agentID uuid.UUID,
	status model.CommandStatus,
	requestID string,
	apply func(pgx.Tx, model.Command) (any, error),
) (json.RawMessage, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("storage: begin report tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Duplicate check inside the transaction, so the memo read and the
	// command lock see one snapshot.
	if stored, ok, err := lookupResultTx(ctx, tx, ScopeReport, requestID); err != nil {
		return nil, false, err
	} else if ok {
		return stored, true, nil
	}

	cmd, err := scanCommand(tx.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1 AND agent_id = $2 FOR UPDATE`,
		commandID, agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("storage: command %s: %w", commandID, ErrNotFound)
		}
		return nil, false, fmt.Errorf("storage: lock command: %w", err)
	}
	if cmd.Status == model.CommandExpired {
		return nil, false, fmt.Errorf("storage: command %s: %w", commandID, ErrExpired)
	}
	if cmd.Status.Terminal() {
		// Raced with another report or the expiry sweep; no memo exists for
		// this request id (checked above), so this is a conflicting caller.
		return nil, false, fmt.Errorf("storage: command %s already %s: %w", commandID, cmd.Status, ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE commands
		 SET status = $2, completed_at = now(), version = version + 1, updated_at = now()
		 WHERE id = $1`,
		commandID, string(status),
	); err != nil {
		return nil, false, fmt.Errorf("storage: complete command: %w", err)
	}

	var result any = map[string]any{"command_id": commandID, "status": string(status)}
	if apply != nil {
		result, err = apply(tx, cmd)
		if err != nil {
			return nil, false, err
		}
	}

	if err := saveResultTx(ctx, tx, ScopeReport, requestID, result); err != nil {
		if isUniqueViolation(err) {
			// A concurrent duplicate report committed first; replay it.
			stored, ok, lookupErr := db.lookupResult(ctx, ScopeReport, requestID)
			if lookupErr == nil && ok {
				return stored, true, nil
			}
		}
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("storage: commit report tx: %w", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("storage: marshal report result: %w", err)
	}
	return payload, false, nil
}

// ListCommands returns an agent's commands, newest first.
func (db *DB) ListCommands(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.Command, error) {
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
		`SELECT `+commandColumns+` FROM commands
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list commands: %w", err)
	}
	defer rows.Close()

	var out []model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountDeliverableCommands returns how many unexpired pending or delivered
// commands an agent has waiting.
func (db *DB) CountDeliverableCommands(ctx context.Context, agentID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM commands
		 WHERE agent_id = $1 AND status IN ('pending', 'delivered') AND expires_at > $2`,
		agentID, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count deliverable commands: %w", err)
	}
	return n, nil
}

// HasDeliverableCommand reports whether the agent already has an unexpired
// pending or delivered command of the given type whose payload contains the
// given fields. Issuers use it to re-evaluate before re-enqueueing work whose
// previous command may have expired.
func (db *DB) HasDeliverableCommand(ctx context.Context, agentID uuid.UUID, typ model.CommandType, payload map[string]any, now time.Time) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM commands
		   WHERE agent_id = $1 AND type = $2
		     AND status IN ('pending', 'delivered') AND expires_at > $3
		     AND payload @> $4
		 )`,
		agentID, string(typ), now, payload,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check deliverable command: %w", err)
	}
	return exists, nil
}

// SweepExpiredCommands transitions Pending/Delivered commands past their
// expiry to Expired. Guarded by status so concurrent sweeps and in-flight
// reports cannot both win the same command.
func (db *DB) SweepExpiredCommands(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE commands
		 SET status = 'expired', completed_at = now(), version = version + 1, updated_at = now()
		 WHERE status IN ('pending', 'delivered') AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep expired commands: %w", err)
	}
	return tag.RowsAffected(), nil
}
