// Package recommend decides whether an agent should move its workload to a
// different capacity pool. Implementations are registered by name and selected
// through configuration. The engine treats them as advisory: a proposal
// still passes through the operating-mode gate before any command is issued.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/spotherd/spotherd/internal/model"
)

// Proposal is a suggested pool switch for a single agent.
type Proposal struct {
	AgentID    string
	TargetPool string
	// CurrentPrice and TargetPrice are hourly rates in the account currency.
	CurrentPrice decimal.Decimal
	TargetPrice  decimal.Decimal
	Reason       string
}

// HourlySavings is the per-hour delta a proposal would realize.
func (p Proposal) HourlySavings() decimal.Decimal {
	return p.CurrentPrice.Sub(p.TargetPrice)
}

// Recommender evaluates a single agent. A nil proposal with a nil error means
// "stay put".
type Recommender interface {
	Evaluate(ctx context.Context, agent *model.Agent, currentPool string) (*Proposal, error)
}

// Factory builds a recommender from its registry entry.
type Factory func() (Recommender, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a recommender available under name. Call from package init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("recommend: duplicate registration for %q", name))
	}
	registry[name] = factory
}

// New builds the recommender registered under name.
func New(name string) (Recommender, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("recommend: unknown recommender %q (have %v)", name, Names())
	}
	return factory()
}

// Names lists registered recommenders, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
