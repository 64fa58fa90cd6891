package pricing

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Fixed is an in-memory provider with static prices. Used in tests and as a
// stand-in when no agent has reported prices yet.
type Fixed struct {
	Prices map[string]decimal.Decimal
}

// NewFixed creates a Fixed provider from pool → price pairs.
func NewFixed(prices map[string]decimal.Decimal) *Fixed {
	return &Fixed{Prices: prices}
}

func (f *Fixed) CurrentPrice(_ context.Context, pool string) (decimal.Decimal, error) {
	price, ok := f.Prices[pool]
	if !ok {
		return decimal.Decimal{}, ErrNoPrice
	}
	return price, nil
}

func (f *Fixed) History(ctx context.Context, pool string, _, to time.Time) ([]Sample, error) {
	price, err := f.CurrentPrice(ctx, pool)
	if err != nil {
		return nil, err
	}
	return []Sample{{Price: price, ObservedAt: to}}, nil
}

func (f *Fixed) CheapestPool(context.Context) (string, decimal.Decimal, error) {
	if len(f.Prices) == 0 {
		return "", decimal.Decimal{}, ErrNoPrice
	}
	pools := make([]string, 0, len(f.Prices))
	for pool := range f.Prices {
		pools = append(pools, pool)
	}
	// Deterministic tie-break on pool name.
	sort.Strings(pools)
	best := pools[0]
	for _, pool := range pools[1:] {
		if f.Prices[pool].LessThan(f.Prices[best]) {
			best = pool
		}
	}
	return best, f.Prices[best], nil
}
