package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/spotherd/spotherd/internal/model"
)

// CreateClient inserts a new client.
func (db *DB) CreateClient(ctx context.Context, client model.Client) (model.Client, error) {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	now := time.Now().UTC()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO clients (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		client.ID, client.Name, client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		return model.Client{}, fmt.Errorf("storage: create client: %w", err)
	}
	return client, nil
}

// GetClient retrieves a client by id.
func (db *DB) GetClient(ctx context.Context, id uuid.UUID) (model.Client, error) {
	var c model.Client
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at, deleted_at FROM clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Client{}, fmt.Errorf("storage: client %s: %w", id, ErrNotFound)
		}
		return model.Client{}, fmt.Errorf("storage: get client: %w", err)
	}
	return c, nil
}

// DeleteClient removes a client and, via cascade, its agents' savings ledger.
// Tenant offboarding is the only path that hard-deletes anything.
func (db *DB) DeleteClient(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: client %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendSavingsTx inserts a savings ledger entry inside an existing
// transaction. The unique request_id constraint makes re-settlement of the
// same switch a no-op at the database level; callers must check the memo
// first so duplicates never reach this insert.
func AppendSavingsTx(ctx context.Context, tx pgx.Tx, entry model.SavingsEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO savings_ledger (client_id, agent_id, request_id, hourly_delta, horizon_hours, amount)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ClientID, entry.AgentID, entry.RequestID,
		entry.HourlyDelta, entry.HorizonHours, entry.Amount,
	)
	if err != nil {
		return fmt.Errorf("storage: append savings entry: %w", err)
	}
	return nil
}

// GetSavingsSummary sums the savings ledger for a client. The total is
// computed on read; there is no stored accumulator to drift.
func (db *DB) GetSavingsSummary(ctx context.Context, clientID uuid.UUID) (model.SavingsSummary, error) {
	var (
		total   decimal.Decimal
		entries int
	)
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(sum(amount), 0), count(*) FROM savings_ledger WHERE client_id = $1`,
		clientID,
	).Scan(&total, &entries)
	if err != nil {
		return model.SavingsSummary{}, fmt.Errorf("storage: savings summary: %w", err)
	}
	return model.SavingsSummary{
		ClientID: clientID,
		Total:    total.String(),
		Entries:  entries,
	}, nil
}

// ListSavingsEntries returns a client's ledger entries, newest first.
func (db *DB) ListSavingsEntries(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]model.SavingsEntry, error) {
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
		`SELECT id, client_id, agent_id, request_id, hourly_delta, horizon_hours, amount, created_at
		 FROM savings_ledger WHERE client_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		clientID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list savings entries: %w", err)
	}
	defer rows.Close()

	var out []model.SavingsEntry
	for rows.Next() {
		var e model.SavingsEntry
		if err := rows.Scan(
			&e.ID, &e.ClientID, &e.AgentID, &e.RequestID,
			&e.HourlyDelta, &e.HorizonHours, &e.Amount, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan savings entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
