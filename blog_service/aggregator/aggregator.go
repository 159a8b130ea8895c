package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/cachedRepo"
	"github.com/alimx07/Blogging_Backend/blog_service/metric"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"go.uber.org/zap"
)

const (
	DefaultFlushEvery      = 100
	DefaultFlushInterval   = 300 * time.Second
	DefaultTick            = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	restoreTimeout = 5 * time.Second
)

// ViewStore persists settled view counts.
type ViewStore interface {
	IncrementPostViews(ctx context.Context, id int64, delta int64) error
}

type Options struct {
	FlushEvery      int64
	FlushInterval   time.Duration
	Tick            time.Duration
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.FlushEvery <= 0 {
		o.FlushEvery = DefaultFlushEvery
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// FlushResult summarizes one drain of the pending buffer.
type FlushResult struct {
	Posts    int   // posts drained
	Views    int64 // views written to the store
	Restored int   // posts whose count went back to the buffer
	Dropped  int   // posts that no longer exist
	Lost     int   // posts whose restore failed as well
}

// Aggregator buffers view increments in the fast counter store and moves them
// to the durable store every FlushEvery views or every FlushInterval.
type Aggregator struct {
	buffer  cachedRepo.ViewBuffer
	store   ViewStore
	log     *zap.Logger
	metrics *metric.Metrics
	opts    Options

	flushMu   sync.Mutex
	lastFlush atomic.Int64 // unix nanos
}

func New(buffer cachedRepo.ViewBuffer, store ViewStore, log *zap.Logger, metrics *metric.Metrics, opts Options) *Aggregator {
	opts.setDefaults()
	a := &Aggregator{
		buffer:  buffer,
		store:   store,
		log:     log,
		metrics: metrics,
		opts:    opts,
	}
	a.lastFlush.Store(opts.Now().UnixNano())
	return a
}

// RecordView buffers one view and returns the sync counter, or 0 when the
// view could not be buffered.
func (a *Aggregator) RecordView(ctx context.Context, postID int64) int64 {
	trigger, err := a.buffer.IncrementViews(ctx, postID)
	if err != nil {
		a.log.Warn("failed to record view", zap.Int64("post_id", postID), zap.Error(err))
		a.metrics.ViewRecordFailed()
		return 0
	}
	a.metrics.ViewRecorded()
	return trigger
}

// MaybeFlush flushes when trigger hits a multiple of FlushEvery or the flush
// interval has elapsed. It reports whether a flush ran.
func (a *Aggregator) MaybeFlush(ctx context.Context, trigger int64) bool {
	if trigger > 0 && trigger%a.opts.FlushEvery == 0 {
		a.flush(ctx, "threshold")
		return true
	}
	last := a.lastFlush.Load()
	now := a.opts.Now().UnixNano()
	if time.Duration(now-last) < a.opts.FlushInterval {
		return false
	}
	// one caller claims the interval
	if !a.lastFlush.CompareAndSwap(last, now) {
		return false
	}
	a.flush(ctx, "interval")
	return true
}

// RecordViewAndMaybeFlush never fails the caller.
func (a *Aggregator) RecordViewAndMaybeFlush(ctx context.Context, postID int64) {
	trigger := a.RecordView(ctx, postID)
	a.MaybeFlush(ctx, trigger)
}

func (a *Aggregator) Flush(ctx context.Context) (FlushResult, error) {
	return a.flush(ctx, "manual")
}

func (a *Aggregator) flush(ctx context.Context, trigger string) (FlushResult, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	start := time.Now()
	a.metrics.FlushStarted(trigger)
	a.lastFlush.Store(a.opts.Now().UnixNano())

	pending, err := a.buffer.DrainViews(ctx)
	if err != nil {
		a.log.Error("failed to drain pending views", zap.String("trigger", trigger), zap.Error(err))
		return FlushResult{}, err
	}

	res := FlushResult{Posts: len(pending)}
	for postID, count := range pending {
		err := a.store.IncrementPostViews(ctx, postID, count)
		switch {
		case err == nil:
			res.Views += count
		case errors.Is(err, models.ErrNotFound):
			a.log.Info("dropping views of deleted post", zap.Int64("post_id", postID), zap.Int64("count", count))
			res.Dropped++
		default:
			a.log.Warn("failed to persist views, restoring", zap.Int64("post_id", postID),
				zap.Int64("count", count), zap.Error(err))
			if a.restore(ctx, postID, count) {
				res.Restored++
			} else {
				res.Lost++
			}
		}
	}

	a.metrics.FlushFinished(res.Posts-res.Restored-res.Dropped-res.Lost, res.Restored, res.Dropped, res.Lost,
		res.Views, time.Since(start))
	if res.Posts > 0 {
		a.log.Info("flushed views",
			zap.String("trigger", trigger),
			zap.Int("posts", res.Posts),
			zap.Int64("views", res.Views),
			zap.Int("restored", res.Restored),
			zap.Int("dropped", res.Dropped),
			zap.Int("lost", res.Lost))
	}
	return res, nil
}

// restore survives cancellation of the flush context
func (a *Aggregator) restore(ctx context.Context, postID, count int64) bool {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	if err := a.buffer.RestoreViews(rctx, postID, count); err != nil {
		a.log.Error("views lost", zap.Int64("post_id", postID), zap.Int64("count", count), zap.Error(err))
		return false
	}
	return true
}

// Run checks the interval trigger every Tick until ctx is done, then flushes
// once more with a fresh timeout.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Tick)
	defer ticker.Stop()
	a.log.Info("view aggregator started",
		zap.Int64("flush_every", a.opts.FlushEvery),
		zap.Duration("flush_interval", a.opts.FlushInterval))

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.ShutdownTimeout)
			defer cancel()
			a.flush(flushCtx, "shutdown")
			a.log.Info("view aggregator stopped")
			return nil
		case <-ticker.C:
			a.MaybeFlush(ctx, 0)
		}
	}
}
