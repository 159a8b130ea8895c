package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/cachedRepo"
	"github.com/alimx07/Blogging_Backend/blog_service/metric"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"go.uber.org/zap"
)

const (
	listenerBuffer = 64
	publishTimeout = 2 * time.Second
)

type EventType string

const (
	EventUpsert EventType = "upsert"
	EventDelete EventType = "delete"
)

// CommentEvent is published on the post's comment channel.
type CommentEvent struct {
	Type      EventType           `json:"type"`
	PostID    int64               `json:"post_id"`
	Comment   *models.CommentView `json:"comment,omitempty"`
	CommentID int64               `json:"comment_id,omitempty"`
}

func (e CommentEvent) validate() error {
	switch e.Type {
	case EventUpsert:
		if e.Comment == nil || e.Comment.ID <= 0 {
			return errors.New("upsert without comment")
		}
	case EventDelete:
		if e.CommentID <= 0 {
			return errors.New("delete without comment id")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

func Channel(postID int64) string {
	return fmt.Sprintf("comments:%d", postID)
}

// Bridge publishes comment changes and hands out listeners for them.
type Bridge struct {
	ps      cachedRepo.PubSub
	log     *zap.Logger
	metrics *metric.Metrics
}

func NewBridge(ps cachedRepo.PubSub, log *zap.Logger, metrics *metric.Metrics) *Bridge {
	return &Bridge{
		ps:      ps,
		log:     log,
		metrics: metrics,
	}
}

func (b *Bridge) PublishCommentUpsert(ctx context.Context, postID int64, comment models.CommentView) {
	b.publish(ctx, CommentEvent{Type: EventUpsert, PostID: postID, Comment: &comment})
}

func (b *Bridge) PublishCommentDelete(ctx context.Context, postID, commentID int64) {
	b.publish(ctx, CommentEvent{Type: EventDelete, PostID: postID, CommentID: commentID})
}

// publish is fire-and-forget, listeners may miss events. The change is
// already committed, so a cancelled ctx does not stop it.
func (b *Bridge) publish(ctx context.Context, ev CommentEvent) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	data, err := json.Marshal(ev)
	if err == nil {
		err = b.ps.Publish(pctx, Channel(ev.PostID), data)
	}
	b.metrics.EventPublished(string(ev.Type), err)
	if err != nil {
		b.log.Warn("failed to publish comment event",
			zap.String("type", string(ev.Type)),
			zap.Int64("post_id", ev.PostID),
			zap.Error(err))
	}
}

// SubscribeToComments returns once the subscription is confirmed. The
// listener stops when ctx is done or Close is called.
func (b *Bridge) SubscribeToComments(ctx context.Context, postID int64) (*Listener, error) {
	l := &Listener{
		postID:   postID,
		events:   make(chan CommentEvent, listenerBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		log:      b.log.With(zap.Int64("post_id", postID)),
		metrics:  b.metrics,
	}
	l.state.Store(int32(Connecting))

	sub, err := b.ps.Subscribe(ctx, Channel(postID))
	if err != nil {
		l.state.Store(int32(Closed))
		return nil, fmt.Errorf("fanout: subscribe to post %d: %w", postID, err)
	}
	l.sub = sub
	l.state.Store(int32(Subscribed))
	b.metrics.ListenerOpened()

	go l.run(ctx)
	return l, nil
}

type State int32

const (
	Connecting State = iota
	Subscribed
	Unsubscribing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Unsubscribing:
		return "unsubscribing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Listener delivers the comment events of one post in publish order.
type Listener struct {
	postID  int64
	sub     cachedRepo.Subscription
	events  chan CommentEvent
	state   atomic.Int32
	log     *zap.Logger
	metrics *metric.Metrics

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

// Events is closed once the listener reaches Closed.
func (l *Listener) Events() <-chan CommentEvent {
	return l.events
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) PostID() int64 {
	return l.postID
}

// Close unsubscribes and waits for the listener to stop. It is safe to call
// more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	<-l.finished
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.finished)
	defer close(l.events)
	defer l.metrics.ListenerClosed()

	msgs := l.sub.Messages()
	for {
		select {
		case <-ctx.Done():
			l.unsubscribe()
			return
		case <-l.done:
			l.unsubscribe()
			return
		case raw, ok := <-msgs:
			if !ok {
				l.log.Info("comment subscription ended by transport")
				l.state.Store(int32(Closed))
				l.sub.Close()
				return
			}
			ev, err := l.decode(raw)
			if err != nil {
				l.metrics.MessageDropped()
				l.log.Warn("dropping malformed comment event", zap.ByteString("payload", raw), zap.Error(err))
				continue
			}
			select {
			case l.events <- ev:
			case <-ctx.Done():
				l.unsubscribe()
				return
			case <-l.done:
				l.unsubscribe()
				return
			}
		}
	}
}

func (l *Listener) decode(raw []byte) (CommentEvent, error) {
	var ev CommentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return CommentEvent{}, err
	}
	if err := ev.validate(); err != nil {
		return CommentEvent{}, err
	}
	if ev.PostID != l.postID {
		return CommentEvent{}, fmt.Errorf("event for post %d", ev.PostID)
	}
	return ev, nil
}

func (l *Listener) unsubscribe() {
	l.state.Store(int32(Unsubscribing))
	if err := l.sub.Close(); err != nil {
		l.log.Warn("unsubscribe failed", zap.Error(err))
	}
	l.state.Store(int32(Closed))
}
