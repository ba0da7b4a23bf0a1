// Package usage records per-request token consumption and answers the quota
// question "how many requests has this user made in the current window".
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable usage fact. Events are only ever inserted; windowed
// aggregation range-scans (user_id, day).
type Event struct {
	UserID           string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	Charged          bool
}

type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedger(db *sql.DB) Ledger {
	return Ledger{db: db, now: time.Now}
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (l Ledger) Record(ctx context.Context, event Event) error {
	now := l.now().UTC()
	_, err := l.db.ExecContext(ctx, `
INSERT INTO usage_events (id, user_id, model_id, prompt_tokens, completion_tokens, reasoning_tokens, charged, day, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), event.UserID, event.ModelID, event.PromptTokens, event.CompletionTokens, event.ReasoningTokens, boolToInt(event.Charged), dayBucket(now), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record usage event: %w", err)
	}
	return nil
}

// CountRequests returns how many billable requests the user made inside the
// trailing window. BYOK events are recorded for accounting but excluded here;
// they run on the user's own key and never consume quota. The day column
// narrows the scan to at most two buckets before the timestamp filter applies.
func (l Ledger) CountRequests(ctx context.Context, userID string, window time.Duration) (int, error) {
	cutoff := l.now().UTC().Add(-window)

	var count int
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM usage_events
WHERE user_id = ? AND charged = 1 AND day >= ? AND created_at >= ?;
`, userID, dayBucket(cutoff), cutoff.Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count usage events: %w", err)
	}
	return count, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
