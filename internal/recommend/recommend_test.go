package recommend_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/recommend"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testAgent() *model.Agent {
	return &model.Agent{ID: uuid.New(), Name: "train-loop"}
}

func TestRegistryNone(t *testing.T) {
	rec, err := recommend.New("none")
	require.NoError(t, err)

	proposal, err := rec.Evaluate(context.Background(), testAgent(), "pool-a")
	require.NoError(t, err)
	assert.Nil(t, proposal)
}

func TestRegistryUnknown(t *testing.T) {
	_, err := recommend.New("oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown recommender")
}

func TestRegistryNames(t *testing.T) {
	assert.Contains(t, recommend.Names(), "none")
}

func TestStaticProposesCheaperPool(t *testing.T) {
	prices := pricing.NewFixed(map[string]decimal.Decimal{
		"pool-a": dec("0.50"),
		"pool-b": dec("0.30"),
	})
	rec := recommend.NewStatic(prices, dec("0.10"))
	agent := testAgent()

	proposal, err := rec.Evaluate(context.Background(), agent, "pool-a")
	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Equal(t, agent.ID.String(), proposal.AgentID)
	assert.Equal(t, "pool-b", proposal.TargetPool)
	assert.True(t, proposal.HourlySavings().Equal(dec("0.20")))
	assert.Contains(t, proposal.Reason, "pool-b")
}

func TestStaticStaysBelowThreshold(t *testing.T) {
	prices := pricing.NewFixed(map[string]decimal.Decimal{
		"pool-a": dec("0.50"),
		"pool-b": dec("0.45"),
	})
	rec := recommend.NewStatic(prices, dec("0.10"))

	proposal, err := rec.Evaluate(context.Background(), testAgent(), "pool-a")
	require.NoError(t, err)
	assert.Nil(t, proposal)
}

func TestStaticStaysWhenAlreadyCheapest(t *testing.T) {
	prices := pricing.NewFixed(map[string]decimal.Decimal{
		"pool-a": dec("0.30"),
		"pool-b": dec("0.50"),
	})
	rec := recommend.NewStatic(prices, dec("0.01"))

	proposal, err := rec.Evaluate(context.Background(), testAgent(), "pool-a")
	require.NoError(t, err)
	assert.Nil(t, proposal)
}

func TestStaticToleratesMissingPrices(t *testing.T) {
	rec := recommend.NewStatic(pricing.NewFixed(nil), dec("0.10"))

	// No price data at all, and no pool reported yet. Both mean "stay put".
	proposal, err := rec.Evaluate(context.Background(), testAgent(), "pool-a")
	require.NoError(t, err)
	assert.Nil(t, proposal)

	proposal, err = rec.Evaluate(context.Background(), testAgent(), "")
	require.NoError(t, err)
	assert.Nil(t, proposal)
}
