package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotherd/spotherd/internal/storage"
)

// PostgresProvider reads prices from the pool_prices table, which remote
// agents populate through their fact reports.
type PostgresProvider struct {
	db *storage.DB
}

// NewPostgresProvider creates a provider backed by the entity store.
func NewPostgresProvider(db *storage.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) CurrentPrice(ctx context.Context, pool string) (decimal.Decimal, error) {
	price, err := p.db.LatestPoolPrice(ctx, pool)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decimal.Decimal{}, fmt.Errorf("pool %s: %w", pool, ErrNoPrice)
		}
		return decimal.Decimal{}, err
	}
	return price, nil
}

func (p *PostgresProvider) History(ctx context.Context, pool string, from, to time.Time) ([]Sample, error) {
	rows, err := p.db.PoolPriceHistory(ctx, pool, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Sample, len(rows))
	for i, r := range rows {
		out[i] = Sample{Price: r.Price, ObservedAt: r.ObservedAt}
	}
	return out, nil
}

func (p *PostgresProvider) CheapestPool(ctx context.Context) (string, decimal.Decimal, error) {
	pool, price, err := p.db.CheapestPool(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", decimal.Decimal{}, ErrNoPrice
		}
		return "", decimal.Decimal{}, err
	}
	return pool, price, nil
}
