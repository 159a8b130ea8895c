package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/cachedRepo"
	"github.com/alimx07/Blogging_Backend/blog_service/metric"
	"go.uber.org/zap"
)

// DefaultTTL applies to every cached response.
const DefaultTTL = 300 * time.Second

const invalidateTimeout = 2 * time.Second

type MutationKind int

const (
	PostCreated MutationKind = iota
	PostUpdated
	PostDeleted
	PostReacted
	CommentCreated
	CommentUpdated
	CommentDeleted
)

func (k MutationKind) String() string {
	switch k {
	case PostCreated:
		return "post_created"
	case PostUpdated:
		return "post_updated"
	case PostDeleted:
		return "post_deleted"
	case PostReacted:
		return "post_reacted"
	case CommentCreated:
		return "comment_created"
	case CommentUpdated:
		return "comment_updated"
	case CommentDeleted:
		return "comment_deleted"
	}
	return fmt.Sprintf("mutation(%d)", int(k))
}

// Mutation describes a successful write to the durable store.
type Mutation struct {
	Kind   MutationKind
	PostID int64
	Slug   string // optional
}

func PostByIDKey(id int64) string {
	return fmt.Sprintf("post-by-id:%d", id)
}

func PostBySlugKey(slug string) string {
	return "post-by-slug:" + slug
}

func CommentsByPostKey(postID int64) string {
	return fmt.Sprintf("comments-by-post:%d", postID)
}

// Keys returns every cache key a mutation makes stale.
func Keys(m Mutation) []string {
	switch m.Kind {
	case PostCreated, PostUpdated, PostDeleted, PostReacted:
		keys := []string{PostByIDKey(m.PostID)}
		if m.Slug != "" {
			keys = append(keys, PostBySlugKey(m.Slug))
		}
		if m.Kind == PostDeleted {
			keys = append(keys, CommentsByPostKey(m.PostID))
		}
		return keys
	case CommentCreated, CommentUpdated, CommentDeleted:
		return []string{CommentsByPostKey(m.PostID)}
	}
	return nil
}

// Policy purges cache keys after durable writes and serves read-through lookups.
type Policy struct {
	cache   cachedRepo.Cache
	ttl     time.Duration
	log     *zap.Logger
	metrics *metric.Metrics
}

func NewPolicy(cache cachedRepo.Cache, ttl time.Duration, log *zap.Logger, metrics *metric.Metrics) *Policy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Policy{
		cache:   cache,
		ttl:     ttl,
		log:     log,
		metrics: metrics,
	}
}

func (p *Policy) TTL() time.Duration {
	return p.ttl
}

// Apply must only be called once the durable write succeeded. It runs even if
// ctx is cancelled, the write is already committed. Failures are logged, the
// TTL bounds the staleness.
func (p *Policy) Apply(ctx context.Context, m Mutation) {
	keys := Keys(m)
	if len(keys) == 0 {
		return
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	err := p.cache.Invalidate(ictx, keys...)
	p.metrics.CacheInvalidated(err)
	if err != nil {
		p.log.Warn("cache invalidation failed",
			zap.Stringer("mutation", m.Kind),
			zap.Strings("keys", keys),
			zap.Error(err))
	}
}

func (p *Policy) InvalidatePostCache(ctx context.Context, id int64, slug string) {
	p.Apply(ctx, Mutation{Kind: PostUpdated, PostID: id, Slug: slug})
}

func (p *Policy) InvalidateCommentsCache(ctx context.Context, postID int64) {
	p.Apply(ctx, Mutation{Kind: CommentUpdated, PostID: postID})
}

// ReadThrough returns the cached value under key or computes and caches it.
// The value is stored only if no invalidation hit key while computing.
// Cache failures fall back to compute.
func ReadThrough[T any](ctx context.Context, p *Policy, key string, compute func(context.Context) (T, error)) (T, error) {
	data, hit, gen, err := p.cache.Lookup(ctx, key)
	cacheUp := err == nil
	switch {
	case err != nil:
		p.metrics.CacheLookup("error")
		p.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	case hit:
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			p.metrics.CacheLookup("hit")
			return v, nil
		}
		p.metrics.CacheLookup("error")
		p.log.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
	default:
		p.metrics.CacheLookup("miss")
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	// without a generation a write could resurrect stale data
	if !cacheUp {
		return v, nil
	}

	data, err = json.Marshal(v)
	if err != nil {
		p.log.Warn("cannot encode value for cache", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	stored, err := p.cache.SetIfGeneration(ctx, key, data, p.ttl, gen)
	if err != nil {
		p.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if !stored {
		p.metrics.CacheStaleWriteRejected()
		p.log.Debug("key invalidated while computing, not caching", zap.String("key", key))
	}
	return v, nil
}
