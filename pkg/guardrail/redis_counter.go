package guardrail

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Counter keys expire well after the day they count; 48h covers every
// timezone offset.
const counterTTL = 48 * time.Hour

// RedisCounter is the shared per-contact daily counter for multi-worker
// deployments. INCR is atomic, so concurrent workers never lose counts.
type RedisCounter struct {
	client redis.UniversalClient
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// NewRedisCounterFromURL connects a counter from a redis:// URL.
func NewRedisCounterFromURL(url string) (*RedisCounter, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return NewRedisCounter(redis.NewClient(options)), nil
}

func (c *RedisCounter) TodayCount(ctx context.Context, businessID, contactID string, day time.Time) (int, error) {
	count, err := c.client.Get(ctx, c.key(businessID, contactID, day)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read message counter: %w", err)
	}

	return count, nil
}

func (c *RedisCounter) Increment(ctx context.Context, businessID, contactID string, day time.Time) (int, error) {
	key := c.key(businessID, contactID, day)

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment message counter: %w", err)
	}

	// Best effort: a missing TTL only means the key lingers.
	c.client.Expire(ctx, key, counterTTL)

	return int(count), nil
}

func (c *RedisCounter) key(businessID, contactID string, day time.Time) string {
	return "dripline:msgcount:" + counterKey(businessID, contactID, day)
}
