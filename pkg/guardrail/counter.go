package guardrail

import (
	"context"
	"sync"
	"time"
)

// MessageCounter tracks how many time-sensitive actions have been
// dispatched to a contact today. Increments happen only after a
// successful dispatch, so deferred actions never consume budget.
type MessageCounter interface {
	TodayCount(ctx context.Context, businessID, contactID string, day time.Time) (int, error)
	Increment(ctx context.Context, businessID, contactID string, day time.Time) (int, error)
}

// MemoryCounter is an in-process counter for tests and single-process
// deployments backed by file persistence.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

func (c *MemoryCounter) TodayCount(_ context.Context, businessID, contactID string, day time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[counterKey(businessID, contactID, day)], nil
}

func (c *MemoryCounter) Increment(_ context.Context, businessID, contactID string, day time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := counterKey(businessID, contactID, day)
	c.counts[key]++

	return c.counts[key], nil
}

func counterKey(businessID, contactID string, day time.Time) string {
	return businessID + ":" + contactID + ":" + day.Format("2006-01-02")
}
