package cachedRepo

import (
	"context"
	"time"
)

// ViewBuffer holds view increments that have not reached the durable store yet.
type ViewBuffer interface {
	// IncrementViews adds one pending view and returns the sync counter value.
	IncrementViews(ctx context.Context, postID int64) (int64, error)
	// DrainViews atomically reads and clears all pending counts.
	DrainViews(ctx context.Context) (map[int64]int64, error)
	RestoreViews(ctx context.Context, postID int64, count int64) error
	PendingViews(ctx context.Context, postID int64) (int64, error)
}

// Cache is a TTL cache whose keys carry a generation that every
// invalidation bumps.
type Cache interface {
	// Lookup returns the cached value, whether it was present and the
	// key's current generation.
	Lookup(ctx context.Context, key string) ([]byte, bool, int64, error)
	// SetIfGeneration stores value only if the key's generation is still gen.
	SetIfGeneration(ctx context.Context, key string, value []byte, ttl time.Duration, gen int64) (bool, error)
	Invalidate(ctx context.Context, keys ...string) error
}

type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the server confirmed the subscription.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan []byte
	Close() error
}
