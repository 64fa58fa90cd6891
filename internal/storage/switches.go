package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spotherd/spotherd/internal/model"
)

const switchColumns = `id, agent_id, client_id, command_id, request_id, old_instance_id,
	new_instance_id, old_pool, new_pool, old_price, new_price, hourly_delta, trigger,
	downtime_ms, started_at, completed_at, created_at`

func scanSwitchRecord(row pgx.Row) (model.SwitchRecord, error) {
	var (
		rec        model.SwitchRecord
		downtimeMS int64
	)
	err := row.Scan(
		&rec.ID, &rec.AgentID, &rec.ClientID, &rec.CommandID, &rec.RequestID,
		&rec.OldInstanceID, &rec.NewInstanceID, &rec.OldPool, &rec.NewPool,
		&rec.OldPrice, &rec.NewPrice, &rec.HourlyDelta, &rec.Trigger,
		&downtimeMS, &rec.StartedAt, &rec.CompletedAt, &rec.CreatedAt,
	)
	if err != nil {
		return model.SwitchRecord{}, err
	}
	rec.Downtime = time.Duration(downtimeMS) * time.Millisecond
	return rec, nil
}

// InsertSwitchRecordTx appends a switch record inside an existing
// transaction. Records are append-only; there is no update path.
func InsertSwitchRecordTx(ctx context.Context, tx pgx.Tx, rec model.SwitchRecord) (model.SwitchRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO switch_records (id, agent_id, client_id, command_id, request_id,
		                             old_instance_id, new_instance_id, old_pool, new_pool,
		                             old_price, new_price, hourly_delta, trigger, downtime_ms,
		                             started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.AgentID, rec.ClientID, rec.CommandID, rec.RequestID,
		rec.OldInstanceID, rec.NewInstanceID, rec.OldPool, rec.NewPool,
		rec.OldPrice, rec.NewPrice, rec.HourlyDelta, string(rec.Trigger),
		rec.Downtime.Milliseconds(), rec.StartedAt, rec.CompletedAt, rec.CreatedAt,
	)
	if err != nil {
		return model.SwitchRecord{}, fmt.Errorf("storage: insert switch record: %w", err)
	}
	return rec, nil
}

// ListSwitchRecords returns an agent's switch history, newest first.
func (db *DB) ListSwitchRecords(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.SwitchRecord, error) {
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
		`SELECT `+switchColumns+` FROM switch_records
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list switch records: %w", err)
	}
	defer rows.Close()

	var out []model.SwitchRecord
	for rows.Next() {
		rec, err := scanSwitchRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan switch record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
