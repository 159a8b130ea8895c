package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alimx07/Blogging_Backend/blog_service/cachedRepo"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeStore records increments per post
type fakeStore struct {
	mu       sync.Mutex
	views    map[int64]int64
	calls    int
	failOnce map[int64]bool
	missing  map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		views:    make(map[int64]int64),
		failOnce: make(map[int64]bool),
		missing:  make(map[int64]bool),
	}
}

func (s *fakeStore) IncrementPostViews(ctx context.Context, id int64, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.missing[id] {
		return models.ErrNotFound
	}
	if s.failOnce[id] {
		delete(s.failOnce, id)
		return errors.New("connection reset")
	}
	s.views[id] += delta
	return nil
}

func (s *fakeStore) get(id int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[id]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBuffer(t *testing.T) (*cachedRepo.RedisRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cachedRepo.NewRedisRepo(client, zaptest.NewLogger(t)), mr
}

func newTestAggregator(t *testing.T, buffer cachedRepo.ViewBuffer, store ViewStore, clk *clock) *Aggregator {
	t.Helper()
	return New(buffer, store, zaptest.NewLogger(t), nil, Options{
		FlushEvery:    100,
		FlushInterval: 300 * time.Second,
		Now:           clk.Now,
	})
}

func TestThresholdFlush(t *testing.T) {
	ctx := context.Background()
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	agg := newTestAggregator(t, buffer, store, &clock{now: time.Unix(0, 0)})

	for i := 0; i < 250; i++ {
		agg.RecordViewAndMaybeFlush(ctx, 42)
	}

	assert.Equal(t, 2, store.calls, "one flush per 100 views")
	assert.Equal(t, int64(200), store.get(42))
	pending, err := buffer.PendingViews(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pending)
}

func TestIntervalFlush(t *testing.T) {
	ctx := context.Background()
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	clk := &clock{now: time.Unix(1000, 0)}
	agg := newTestAggregator(t, buffer, store, clk)

	agg.RecordViewAndMaybeFlush(ctx, 1)
	agg.RecordViewAndMaybeFlush(ctx, 1)
	assert.Zero(t, store.calls)

	clk.Advance(301 * time.Second)
	assert.True(t, agg.MaybeFlush(ctx, 0))
	assert.Equal(t, int64(2), store.get(1))

	assert.False(t, agg.MaybeFlush(ctx, 0), "interval restarts after a flush")

	clk.Advance(300 * time.Second)
	agg.RecordViewAndMaybeFlush(ctx, 1)
	assert.Equal(t, int64(3), store.get(1))
}

func TestFlushWithoutPendingViews(t *testing.T) {
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	agg := newTestAggregator(t, buffer, store, &clock{now: time.Unix(0, 0)})

	res, err := agg.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{}, res)
	assert.Zero(t, store.calls)
}

func TestConcurrentRecordAndFlushLosesNothing(t *testing.T) {
	ctx := context.Background()
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	agg := newTestAggregator(t, buffer, store, &clock{now: time.Unix(0, 0)})

	const writers, perWriter = 10, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(post int64) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				agg.RecordView(ctx, post)
			}
		}(int64(w % 3))
	}

	stop := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-stop:
				return
			default:
				_, err := agg.Flush(ctx)
				assert.NoError(t, err)
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-flushed
	_, err := agg.Flush(ctx)
	require.NoError(t, err)

	total := store.get(0) + store.get(1) + store.get(2)
	assert.Equal(t, int64(writers*perWriter), total)
}

func TestConcurrentFlushesNeverDoubleApply(t *testing.T) {
	ctx := context.Background()
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	clk := &clock{now: time.Unix(0, 0)}
	// two aggregators stand in for two processes sharing the buffer
	first := newTestAggregator(t, buffer, store, clk)
	second := newTestAggregator(t, buffer, store, clk)

	for i := 0; i < 99; i++ {
		first.RecordView(ctx, 5)
	}

	var wg sync.WaitGroup
	for _, agg := range []*Aggregator{first, second, first, second} {
		wg.Add(1)
		go func(a *Aggregator) {
			defer wg.Done()
			_, err := a.Flush(ctx)
			assert.NoError(t, err)
		}(agg)
	}
	wg.Wait()

	assert.Equal(t, int64(99), store.get(5))
}

func TestFailedWriteRestoresCount(t *testing.T) {
	ctx := context.Background()
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	store.failOnce[1] = true
	agg := newTestAggregator(t, buffer, store, &clock{now: time.Unix(0, 0)})

	for i := 0; i < 4; i++ {
		agg.RecordView(ctx, 1)
	}
	agg.RecordView(ctx, 2)

	res, err := agg.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Posts)
	assert.Equal(t, 1, res.Restored)
	assert.Equal(t, int64(1), res.Views)
	assert.Equal(t, int64(1), store.get(2), "other posts still flushed")

	pending, err := buffer.PendingViews(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pending)

	agg.RecordView(ctx, 1)
	_, err = agg.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), store.get(1))
}

// noRestoreBuffer drains normally but cannot put counts back
type noRestoreBuffer struct {
	*cachedRepo.RedisRepo
}

func (noRestoreBuffer) RestoreViews(ctx context.Context, postID int64, count int64) error {
	return errors.New("READONLY replica")
}

func TestFailedRestoreCountsLostViews(t *testing.T) {
	ctx := context.Background()
	redisBuffer, _ := newBuffer(t)
	buffer := noRestoreBuffer{redisBuffer}
	store := newFakeStore()
	store.failOnce[1] = true
	agg := newTestAggregator(t, buffer, store, &clock{now: time.Unix(0, 0)})

	for i := 0; i < 3; i++ {
		agg.RecordView(ctx, 1)
	}
	agg.RecordView(ctx, 2)
	agg.RecordView(ctx, 2)

	res, err := agg.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Posts)
	assert.Equal(t, 1, res.Lost)
	assert.Equal(t, 0, res.Restored)
	assert.Equal(t, int64(2), res.Views)
	assert.Equal(t, int64(2), store.get(2), "other posts still flushed")

	pending, err := buffer.PendingViews(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDeletedPostViewsAreDropped(t *testing.T) {
	ctx := context.Background()
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	store.missing[9] = true
	agg := newTestAggregator(t, buffer, store, &clock{now: time.Unix(0, 0)})

	agg.RecordView(ctx, 9)
	res, err := agg.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	pending, err := buffer.PendingViews(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestBufferDown(t *testing.T) {
	ctx := context.Background()
	buffer, mr := newBuffer(t)
	store := newFakeStore()
	agg := newTestAggregator(t, buffer, store, &clock{now: time.Unix(0, 0)})
	mr.SetError("LOADING")

	assert.Zero(t, agg.RecordView(ctx, 1))
	assert.NotPanics(t, func() { agg.RecordViewAndMaybeFlush(ctx, 1) })
	_, err := agg.Flush(ctx)
	assert.Error(t, err)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	buffer, _ := newBuffer(t)
	store := newFakeStore()
	agg := New(buffer, store, zaptest.NewLogger(t), nil, Options{Tick: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	for i := 0; i < 7; i++ {
		agg.RecordView(ctx, 3)
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int64(7), store.get(3))
}
