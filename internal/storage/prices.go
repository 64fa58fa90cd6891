package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// InsertPoolPrice appends a price sample for a pool. Duplicate
// (pool, observed_at) samples are ignored; agents may re-report.
func (db *DB) InsertPoolPrice(ctx context.Context, pool string, price decimal.Decimal, observedAt time.Time) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pool_prices (pool, price, observed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (pool, observed_at) DO NOTHING`,
		pool, price, observedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert pool price: %w", err)
	}
	return nil
}

// LatestPoolPrice returns the most recent price sample for a pool.
func (db *DB) LatestPoolPrice(ctx context.Context, pool string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := db.pool.QueryRow(ctx,
		`SELECT price FROM pool_prices WHERE pool = $1 ORDER BY observed_at DESC LIMIT 1`,
		pool,
	).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, fmt.Errorf("storage: price for pool %s: %w", pool, ErrNotFound)
		}
		return decimal.Decimal{}, fmt.Errorf("storage: latest pool price: %w", err)
	}
	return price, nil
}

// CheapestPool returns the pool with the lowest latest-observed price.
// ErrNotFound when no price samples exist at all.
func (db *DB) CheapestPool(ctx context.Context) (string, decimal.Decimal, error) {
	var (
		pool  string
		price decimal.Decimal
	)
	err := db.pool.QueryRow(ctx,
		`SELECT pool, price FROM (
		     SELECT DISTINCT ON (pool) pool, price
		     FROM pool_prices
		     ORDER BY pool, observed_at DESC
		 ) latest
		 ORDER BY price ASC LIMIT 1`,
	).Scan(&pool, &price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", decimal.Decimal{}, fmt.Errorf("storage: cheapest pool: %w", ErrNotFound)
		}
		return "", decimal.Decimal{}, fmt.Errorf("storage: cheapest pool: %w", err)
	}
	return pool, price, nil
}

// PoolPriceHistory returns price samples for a pool within [from, to),
// oldest first.
func (db *DB) PoolPriceHistory(ctx context.Context, pool string, from, to time.Time) ([]PriceSample, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT price, observed_at FROM pool_prices
		 WHERE pool = $1 AND observed_at >= $2 AND observed_at < $3
		 ORDER BY observed_at ASC`,
		pool, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pool price history: %w", err)
	}
	defer rows.Close()

	var out []PriceSample
	for rows.Next() {
		var s PriceSample
		if err := rows.Scan(&s.Price, &s.ObservedAt); err != nil {
			return nil, fmt.Errorf("storage: scan price sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PriceSample is one observed price point for a pool.
type PriceSample struct {
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}
