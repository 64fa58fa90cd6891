// Package pricing defines the read-only price feed consumed by the
// reconciliation loop and the savings settlement path. The ingestion and
// consolidation of price samples is an external collaborator's concern.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when no sample exists for the requested pool.
var ErrNoPrice = errors.New("pricing: no price data")

// Sample is one observed price point.
type Sample struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Provider supplies current and historical pool prices.
type Provider interface {
	// CurrentPrice returns the latest observed price for a pool, or
	// ErrNoPrice when the pool has never been observed.
	CurrentPrice(ctx context.Context, pool string) (decimal.Decimal, error)
	// History returns samples within [from, to), oldest first.
	History(ctx context.Context, pool string, from, to time.Time) ([]Sample, error)
	// CheapestPool returns the pool with the lowest latest price, or
	// ErrNoPrice when no samples exist at all.
	CheapestPool(ctx context.Context) (string, decimal.Decimal, error)
}
