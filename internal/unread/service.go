// Package unread owns the per-user unread message counter. It is the only
// writer of the counter; clients read it once and then follow events.
package unread

import (
	"context"
	"errors"
	"fmt"

	"github.com/zfogg/sidechain/realtime/internal/broker"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/internal/publisher"
	"github.com/zfogg/sidechain/realtime/internal/telemetry"
	"go.uber.org/zap"
)

// ErrInvalidCount is returned for non-positive message counts
var ErrInvalidCount = errors.New("unread: count must be positive")

const keyPrefix = "unread_count:"

// Key returns the cache key holding userID's counter
func Key(userID string) string {
	return keyPrefix + userID
}

// Service mutates counters in the broker's cache role and publishes the new
// absolute value after each change.
type Service struct {
	broker    broker.Broker
	publisher *publisher.Publisher
	tracing   *telemetry.RealtimeEvents
}

// NewService creates the unread counter service
func NewService(b broker.Broker, p *publisher.Publisher) *Service {
	return &Service{
		broker:    b,
		publisher: p,
		tracing:   telemetry.NewRealtimeEvents(),
	}
}

// Get returns the current count for userID (0 when never set)
func (s *Service) Get(ctx context.Context, userID string) (int64, error) {
	count, err := s.broker.GetCounter(ctx, Key(userID))
	if err != nil {
		return 0, fmt.Errorf("get unread count for %s: %w", userID, err)
	}
	return count, nil
}

// MessageReceived adds n unread messages for userID
func (s *Service) MessageReceived(ctx context.Context, userID string, n int64) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidCount
	}
	return s.add(ctx, "received", userID, n)
}

// MessagesRead marks n messages read for userID. The counter stops at 0.
func (s *Service) MessagesRead(ctx context.Context, userID string, n int64) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidCount
	}
	return s.add(ctx, "read", userID, -n)
}

// MarkAllRead resets userID's counter to 0
func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	ctx, span := s.tracing.TraceUnreadMutation(ctx, userID, "read_all", 0)
	defer span.End()

	if err := s.broker.SetCounter(ctx, Key(userID), 0); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("reset unread count for %s: %w", userID, err)
	}
	metrics.Get().UnreadMutations.WithLabelValues("read_all").Inc()
	s.publish(ctx, userID, 0)
	return nil
}

func (s *Service) add(ctx context.Context, op, userID string, delta int64) (int64, error) {
	ctx, span := s.tracing.TraceUnreadMutation(ctx, userID, op, delta)
	defer span.End()

	count, err := s.broker.AddCounter(ctx, Key(userID), delta)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("update unread count for %s: %w", userID, err)
	}
	metrics.Get().UnreadMutations.WithLabelValues(op).Inc()
	s.publish(ctx, userID, count)
	return count, nil
}

// publish runs after the counter write has committed
func (s *Service) publish(ctx context.Context, userID string, count int64) {
	if err := s.publisher.PublishUnreadCount(ctx, userID, count); err != nil {
		logger.Log.Error("Failed to publish unread count", logger.WithUserID(userID), zap.Error(err))
	}
}
