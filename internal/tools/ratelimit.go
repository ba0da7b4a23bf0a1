package tools

import (
	"context"
	"errors"
	"sync"
	"time"

	"scribe/backend/internal/brave"
)

const defaultSearchInterval = 1200 * time.Millisecond

// PacedSearcher spaces outgoing search calls by a minimum interval and
// retries once after the interval when the upstream answers 429. Concurrent
// turns share one pacer so the upstream quota is respected process-wide.
type PacedSearcher struct {
	inner    Searcher
	interval time.Duration

	mu          sync.Mutex
	lastAttempt time.Time
}

func NewPacedSearcher(inner Searcher, interval time.Duration) *PacedSearcher {
	if interval <= 0 {
		interval = defaultSearchInterval
	}
	return &PacedSearcher{inner: inner, interval: interval}
}

func (p *PacedSearcher) Search(ctx context.Context, query string, count int) ([]brave.SearchResult, error) {
	if err := p.waitForSlot(ctx); err != nil {
		return nil, err
	}
	results, err := p.inner.Search(ctx, query, count)
	if err != nil && isRateLimitError(err) {
		if waitErr := sleepContext(ctx, p.interval); waitErr != nil {
			return nil, waitErr
		}
		if waitErr := p.waitForSlot(ctx); waitErr != nil {
			return nil, waitErr
		}
		results, err = p.inner.Search(ctx, query, count)
	}
	return results, err
}

// waitForSlot blocks until the interval since the previous attempt has
// elapsed, then claims the next slot.
func (p *PacedSearcher) waitForSlot(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	next := p.lastAttempt.Add(p.interval)
	if next.Before(now) {
		next = now
	}
	p.lastAttempt = next
	p.mu.Unlock()

	return sleepContext(ctx, time.Until(next))
}

func isRateLimitError(err error) bool {
	var apiErr brave.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
