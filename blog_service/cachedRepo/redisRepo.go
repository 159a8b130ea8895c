package cachedRepo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ViewsKey       = "post_views"
	SyncCounterKey = "view_sync_counter"

	// generations outlive any cached value
	generationTTL = 24 * time.Hour
)

// Compile-time interface checks.
var (
	_ ViewBuffer = (*RedisRepo)(nil)
	_ Cache      = (*RedisRepo)(nil)
	_ PubSub     = (*RedisRepo)(nil)
)

// KEYS[1] value key, KEYS[2] generation key
// ARGV[1] value, ARGV[2] expected generation, ARGV[3] ttl in ms
var setIfGenerationScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then
	gen = '0'
end
if gen ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

type RedisRepo struct {
	client redis.UniversalClient
	log    *zap.Logger
}

func NewRedisRepo(client redis.UniversalClient, log *zap.Logger) *RedisRepo {
	return &RedisRepo{
		client: client,
		log:    log,
	}
}

// GenerationKey shares the hash slot of key.
func GenerationKey(key string) string {
	return "cache-gen:{" + key + "}"
}

func (rs *RedisRepo) IncrementViews(ctx context.Context, postID int64) (int64, error) {
	var counter *redis.IntCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZIncrBy(ctx, ViewsKey, 1, strconv.FormatInt(postID, 10))
		counter = pipe.Incr(ctx, SyncCounterKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cachedRepo: increment views of post %d: %w", postID, err)
	}
	return counter.Val(), nil
}

// DrainViews reads and clears the pending set in one MULTI/EXEC, so increments
// that arrive afterwards land in a fresh set.
func (rs *RedisRepo) DrainViews(ctx context.Context) (map[int64]int64, error) {
	var pending *redis.ZSliceCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZRangeWithScores(ctx, ViewsKey, 0, -1)
		pipe.Del(ctx, ViewsKey)
		pipe.Del(ctx, SyncCounterKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cachedRepo: drain views: %w", err)
	}

	res := make(map[int64]int64, len(pending.Val()))
	for _, z := range pending.Val() {
		member, _ := z.Member.(string)
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			rs.log.Warn("dropping malformed view member", zap.Any("member", z.Member), zap.Float64("count", z.Score))
			continue
		}
		if count := int64(math.Round(z.Score)); count > 0 {
			res[id] = count
		}
	}
	return res, nil
}

func (rs *RedisRepo) RestoreViews(ctx context.Context, postID int64, count int64) error {
	err := rs.client.ZIncrBy(ctx, ViewsKey, float64(count), strconv.FormatInt(postID, 10)).Err()
	if err != nil {
		return fmt.Errorf("cachedRepo: restore %d views of post %d: %w", count, postID, err)
	}
	return nil
}

func (rs *RedisRepo) PendingViews(ctx context.Context, postID int64) (int64, error) {
	score, err := rs.client.ZScore(ctx, ViewsKey, strconv.FormatInt(postID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cachedRepo: pending views of post %d: %w", postID, err)
	}
	return int64(math.Round(score)), nil
}

func (rs *RedisRepo) Lookup(ctx context.Context, key string) ([]byte, bool, int64, error) {
	var val *redis.StringCmd
	var gen *redis.StringCmd
	_, err := rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		val = pipe.Get(ctx, key)
		gen = pipe.Get(ctx, GenerationKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, 0, fmt.Errorf("cachedRepo: lookup %s: %w", key, err)
	}

	var generation int64
	if g, err := gen.Int64(); err == nil {
		generation = g
	} else if !errors.Is(err, redis.Nil) {
		return nil, false, 0, fmt.Errorf("cachedRepo: generation of %s: %w", key, err)
	}

	data, err := val.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, generation, nil
	}
	if err != nil {
		return nil, false, generation, fmt.Errorf("cachedRepo: get %s: %w", key, err)
	}
	return data, true, generation, nil
}

func (rs *RedisRepo) SetIfGeneration(ctx context.Context, key string, value []byte, ttl time.Duration, gen int64) (bool, error) {
	keys := []string{key, GenerationKey(key)}
	stored, err := setIfGenerationScript.Run(ctx, rs.client, keys, value, strconv.FormatInt(gen, 10), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cachedRepo: set %s: %w", key, err)
	}
	return stored == 1, nil
}

// Invalidate bumps each key's generation before deleting it, so a racing
// SetIfGeneration either lands before the DEL or is rejected.
func (rs *RedisRepo) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, GenerationKey(key))
			pipe.Expire(ctx, GenerationKey(key), generationTTL)
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cachedRepo: invalidate %v: %w", keys, err)
	}
	return nil
}

func (rs *RedisRepo) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := rs.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("cachedRepo: publish on %s: %w", channel, err)
	}
	return nil
}

func (rs *RedisRepo) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := rs.client.Subscribe(ctx, channel)
	// first reply is the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("cachedRepo: subscribe %s: %w", channel, err)
	}
	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

func (rs *RedisRepo) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

func (rs *RedisRepo) Close() {
	if err := rs.client.Close(); err != nil {
		rs.log.Error("closing redis client", zap.Error(err))
		return
	}
	rs.log.Info("redis client closed")
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
