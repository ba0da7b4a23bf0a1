package usage

import (
	"context"
	"fmt"
	"time"
)

const quotaWindow = 24 * time.Hour

// LimitExceededError marks a quota rejection. Callers must stop before any
// generation or persistence work.
type LimitExceededError struct {
	Used  int
	Limit int
}

func (e LimitExceededError) Error() string {
	return fmt.Sprintf("request limit reached: %d of %d used in the last 24 hours", e.Used, e.Limit)
}

type PlanLimits struct {
	FreeDailyRequests int
	ProDailyRequests  int
}

// Guard decides admit/reject for a new request. The check re-derives the
// window count from the ledger on every call; there is no in-memory token
// bucket, so concurrent bursts near the limit may slightly overshoot.
type Guard struct {
	ledger Ledger
	limits PlanLimits
}

func NewGuard(ledger Ledger, limits PlanLimits) Guard {
	return Guard{ledger: ledger, limits: limits}
}

func (g Guard) limitFor(plan string) int {
	if plan == "pro" {
		return g.limits.ProDailyRequests
	}
	return g.limits.FreeDailyRequests
}

func (g Guard) Check(ctx context.Context, userID, plan string) error {
	limit := g.limitFor(plan)
	if limit <= 0 {
		return nil
	}

	used, err := g.ledger.CountRequests(ctx, userID, quotaWindow)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if used >= limit {
		return LimitExceededError{Used: used, Limit: limit}
	}
	return nil
}
