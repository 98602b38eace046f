// Package publisher turns committed writes into domain events on the broker.
package publisher

import (
	"context"
	"time"

	"github.com/zfogg/sidechain/realtime/internal/broker"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/internal/telemetry"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a publish may hold up the calling request.
const DefaultTimeout = 500 * time.Millisecond

// Publisher stamps events with this instance's identity and the server clock
// and hands them to the broker. Call it only after the write is committed.
type Publisher struct {
	broker     broker.Broker
	instanceID string
	timeout    time.Duration
	now        func() time.Time
	tracing    *telemetry.RealtimeEvents
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock overrides the server clock used for emittedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// New creates a publisher for the given broker.
func New(b broker.Broker, instanceID string, opts ...Option) *Publisher {
	p := &Publisher{
		broker:     b,
		instanceID: instanceID,
		timeout:    DefaultTimeout,
		now:        time.Now,
		tracing:    telemetry.NewRealtimeEvents(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InstanceID returns the origin id stamped on every event.
func (p *Publisher) InstanceID() string {
	return p.instanceID
}

// PublishDomainEvent builds and publishes one event. It returns an error only
// when the event itself is invalid (unknown channel or type, payload shape
// mismatch). Transport failures are logged and swallowed, and the call never
// waits longer than the publish timeout, even if ctx is cancelled first.
func (p *Publisher) PublishDomainEvent(ctx context.Context, channel events.Channel, eventType events.EventType, entityID string, payload events.Payload) error {
	ev, err := events.New(channel, eventType, entityID, payload, p.instanceID, p.now())
	if err != nil {
		logger.Log.Error("Refusing to publish invalid event",
			logger.WithChannel(string(channel)),
			logger.WithEventType(string(eventType)),
			logger.WithEntityID(entityID),
			zap.Error(err),
		)
		return err
	}

	// the request may finish (and cancel ctx) before fan-out does
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	pubCtx, span := p.tracing.TracePublish(pubCtx, string(channel), string(eventType), entityID)
	defer span.End()

	start := time.Now()
	p.broker.Publish(pubCtx, ev)

	m := metrics.Get()
	m.PublishDuration.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())
	m.EventsPublished.WithLabelValues(string(channel), string(eventType)).Inc()

	logger.Log.Debug("Published event",
		logger.WithChannel(string(channel)),
		logger.WithEventType(string(eventType)),
		logger.WithEntityID(entityID),
	)
	return nil
}

// PublishPost publishes a created or updated post with its full entity.
func (p *Publisher) PublishPost(ctx context.Context, eventType events.EventType, post events.Post) error {
	return p.PublishDomainEvent(ctx, events.ChannelPosts, eventType, post.ID, post)
}

// PublishPostDeleted publishes a post removal.
func (p *Publisher) PublishPostDeleted(ctx context.Context, postID string) error {
	return p.PublishDomainEvent(ctx, events.ChannelPosts, events.TypeDeleted, postID, events.Deleted{ID: postID})
}

// PublishGroup publishes a group lifecycle or membership event with the full group.
func (p *Publisher) PublishGroup(ctx context.Context, eventType events.EventType, group events.Group) error {
	return p.PublishDomainEvent(ctx, events.ChannelGroups, eventType, group.ID, group)
}

// PublishGroupDeleted publishes a group removal.
func (p *Publisher) PublishGroupDeleted(ctx context.Context, groupID string) error {
	return p.PublishDomainEvent(ctx, events.ChannelGroups, events.TypeDeleted, groupID, events.Deleted{ID: groupID})
}

// PublishUnreadCount publishes the new absolute unread count for a user.
func (p *Publisher) PublishUnreadCount(ctx context.Context, userID string, count int64) error {
	return p.PublishDomainEvent(ctx, events.ChannelUnreadCount, events.TypeUnreadCountUpdated, userID,
		events.UnreadCount{UserID: userID, Count: count})
}

// PublishUploadProgress publishes media pipeline progress.
func (p *Publisher) PublishUploadProgress(ctx context.Context, eventType events.EventType, progress events.UploadProgress) error {
	return p.PublishDomainEvent(ctx, events.ChannelUploadProgress, eventType, progress.UploadID, progress)
}

// PublishUser publishes an updated user profile.
func (p *Publisher) PublishUser(ctx context.Context, user events.User) error {
	return p.PublishDomainEvent(ctx, events.ChannelUserUpdated, events.TypeUpdated, user.ID, user)
}
