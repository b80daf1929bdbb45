package verify

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/tiers"
)

// minDwellRatio is the fraction of the required dwell time a worker
// must actually spend on a task for the submission to count.
const minDwellRatio = 0.8

// ActiveCounter reports how many task definitions are currently open
// for work. The payout of each approved task is the worker's tier cap
// spread evenly across that count.
type ActiveCounter interface {
	CountActiveTaskDefinitions(ctx context.Context) (int, error)
}

// Evaluator is the built-in reviewer used when no remote verification
// service is configured.
type Evaluator struct {
	cfg     tiers.Config
	counter ActiveCounter
}

func NewEvaluator(cfg tiers.Config, counter ActiveCounter) *Evaluator {
	return &Evaluator{cfg: cfg, counter: counter}
}

func (e *Evaluator) Verify(ctx context.Context, sub Submission) (Result, error) {
	if sub.Duration <= 0 {
		return Result{}, fmt.Errorf("submission for task %s has no duration", sub.TaskID)
	}
	ratio := sub.TimeSpent.Seconds() / sub.Duration.Seconds()
	if ratio < minDwellRatio {
		return Result{
			Approved: false,
			Reason:   fmt.Sprintf("dwell ratio %.2f below %.2f", ratio, minDwellRatio),
		}, nil
	}
	payout, err := e.payout(ctx, sub.Tier)
	if err != nil {
		return Result{}, err
	}
	return Result{Approved: true, Payout: payout}, nil
}

func (e *Evaluator) payout(ctx context.Context, tier string) (decimal.Decimal, error) {
	count, err := e.counter.CountActiveTaskDefinitions(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("count active tasks: %w", err)
	}
	if count <= 0 {
		count = 1
	}
	cap := e.cfg.CapFor(tier)
	return cap.DivRound(decimal.NewFromInt(int64(count)), 2), nil
}
