package recommend

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
)

// Static proposes a move to the cheapest observed pool whenever the hourly
// saving clears MinSavings. It never proposes moving within the same pool.
type Static struct {
	Prices     pricing.Provider
	MinSavings decimal.Decimal
}

// NewStatic creates a Static recommender. It is constructed directly rather
// than through the registry because the provider and threshold come from
// runtime configuration.
func NewStatic(prices pricing.Provider, minSavings decimal.Decimal) *Static {
	return &Static{Prices: prices, MinSavings: minSavings}
}

func (s *Static) Evaluate(ctx context.Context, agent *model.Agent, currentPool string) (*Proposal, error) {
	if currentPool == "" {
		return nil, nil
	}
	current, err := s.Prices.CurrentPrice(ctx, currentPool)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPrice) {
			return nil, nil
		}
		return nil, fmt.Errorf("price current pool: %w", err)
	}
	pool, price, err := s.Prices.CheapestPool(ctx)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPrice) {
			return nil, nil
		}
		return nil, fmt.Errorf("find cheapest pool: %w", err)
	}
	if pool == currentPool {
		return nil, nil
	}
	saving := current.Sub(price)
	if saving.LessThan(s.MinSavings) {
		return nil, nil
	}
	return &Proposal{
		AgentID:      agent.ID.String(),
		TargetPool:   pool,
		CurrentPrice: current,
		TargetPrice:  price,
		Reason:       fmt.Sprintf("pool %s is %s/h cheaper", pool, saving.StringFixed(4)),
	}, nil
}
