package recommend

import (
	"context"

	"github.com/spotherd/spotherd/internal/model"
)

func init() {
	Register("none", func() (Recommender, error) { return noop{}, nil })
}

// noop never proposes a switch. Default when no pricing source is configured.
type noop struct{}

func (noop) Evaluate(context.Context, *model.Agent, string) (*Proposal, error) {
	return nil, nil
}
