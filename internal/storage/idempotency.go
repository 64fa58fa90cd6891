package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Operation scopes for the operation_results memo. The scope keeps request
// ids from different operations out of each other's namespace.
const (
	ScopeEnqueue    = "enqueue"
	ScopeReport     = "report"
	ScopeSettlement = "settlement"
)

// Submit runs op at most once for (scope, requestID).
//
// The operation body and the memo insert commit in one transaction, so the
// side effect and its recorded result are atomic: either both are visible or
// neither is. A duplicate submit, concurrent or later, replays the stored
// result without re-executing the body. The returned bool is true when the
// result was replayed.
func (db *DB) Submit(ctx context.Context, scope, requestID string, op func(pgx.Tx) (any, error)) (json.RawMessage, bool, error) {
	if stored, ok, err := db.lookupResult(ctx, scope, requestID); err != nil {
		return nil, false, err
	} else if ok {
		return stored, true, nil
	}

	var (
		payload  json.RawMessage
		replayed bool
	)
	err := WithRetry(ctx, transientRetries, transientBaseDelay, func() error {
		var attemptErr error
		payload, replayed, attemptErr = db.submitOnce(ctx, scope, requestID, op)
		return attemptErr
	})
	if err != nil {
		return nil, false, err
	}
	return payload, replayed, nil
}

// submitOnce is one transactional attempt of Submit. A serialization failure
// or deadlock aborts the attempt cleanly, so Submit can re-run it.
func (db *DB) submitOnce(ctx context.Context, scope, requestID string, op func(pgx.Tx) (any, error)) (json.RawMessage, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("storage: begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := op(tx)
	if err != nil {
		return nil, false, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("storage: marshal operation result: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO operation_results (scope, request_id, result) VALUES ($1, $2, $3::jsonb)`,
		scope, requestID, payload,
	); err != nil {
		// A concurrent submit with the same key committed first. Its effect
		// stands; ours rolled back. Replay the winner's result.
		if isUniqueViolation(err) {
			stored, ok, lookupErr := db.lookupResult(ctx, scope, requestID)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if ok {
				return stored, true, nil
			}
		}
		return nil, false, fmt.Errorf("storage: record operation result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("storage: commit submit tx: %w", err)
	}
	return payload, false, nil
}

// lookupResult fetches a previously recorded operation result, if any.
func (db *DB) lookupResult(ctx context.Context, scope, requestID string) (json.RawMessage, bool, error) {
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT result FROM operation_results WHERE scope = $1 AND request_id = $2`,
		scope, requestID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: lookup operation result: %w", err)
	}
	return payload, true, nil
}

// saveResultTx records an operation result inside an existing transaction.
// Used by callers that already own a transaction (e.g. report application)
// so the memo commits with the side effect.
func saveResultTx(ctx context.Context, tx pgx.Tx, scope, requestID string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal operation result: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO operation_results (scope, request_id, result) VALUES ($1, $2, $3::jsonb)`,
		scope, requestID, payload,
	); err != nil {
		return fmt.Errorf("storage: record operation result: %w", err)
	}
	return nil
}

// lookupResultTx fetches a recorded result inside an existing transaction.
func lookupResultTx(ctx context.Context, tx pgx.Tx, scope, requestID string) (json.RawMessage, bool, error) {
	var payload []byte
	err := tx.QueryRow(ctx,
		`SELECT result FROM operation_results WHERE scope = $1 AND request_id = $2`,
		scope, requestID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: lookup operation result: %w", err)
	}
	return payload, true, nil
}

// CleanupOperationResults removes memo rows older than ttl. Request ids are
// only meaningful within a retry window; old rows are dead weight.
func (db *DB) CleanupOperationResults(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM operation_results
		 WHERE created_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup operation results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
