package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/pricing"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFixedCurrentPrice(t *testing.T) {
	p := pricing.NewFixed(map[string]decimal.Decimal{
		"us-east-1a.g5.xlarge": dec("0.42"),
	})

	price, err := p.CurrentPrice(context.Background(), "us-east-1a.g5.xlarge")
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("0.42")))

	_, err = p.CurrentPrice(context.Background(), "us-west-2b.g5.xlarge")
	assert.ErrorIs(t, err, pricing.ErrNoPrice)
}

func TestFixedCheapestPool(t *testing.T) {
	p := pricing.NewFixed(map[string]decimal.Decimal{
		"pool-c": dec("0.30"),
		"pool-a": dec("0.50"),
		"pool-b": dec("0.30"),
	})

	pool, price, err := p.CheapestPool(context.Background())
	require.NoError(t, err)
	// Equal prices break ties on pool name.
	assert.Equal(t, "pool-b", pool)
	assert.True(t, price.Equal(dec("0.30")))
}

func TestFixedCheapestPoolEmpty(t *testing.T) {
	p := pricing.NewFixed(nil)

	_, _, err := p.CheapestPool(context.Background())
	assert.ErrorIs(t, err, pricing.ErrNoPrice)
}

func TestFixedHistory(t *testing.T) {
	p := pricing.NewFixed(map[string]decimal.Decimal{"pool-a": dec("0.25")})
	to := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	samples, err := p.History(context.Background(), "pool-a", to.Add(-time.Hour), to)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Price.Equal(dec("0.25")))
	assert.Equal(t, to, samples[0].ObservedAt)

	_, err = p.History(context.Background(), "pool-z", to.Add(-time.Hour), to)
	assert.ErrorIs(t, err, pricing.ErrNoPrice)
}
