package gateway

import (
	"sync"

	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"go.uber.org/zap"
)

// Filter picks the audience for each event before fan-out
type Filter interface {
	Scope(event *events.DomainEvent) Audience
}

// Broadcast sends every event to every session. Visibility is left to the
// client reducer.
type Broadcast struct{}

func (Broadcast) Scope(*events.DomainEvent) Audience { return nil }

// PrivateFilter withholds events a user is not entitled to see:
//   - private group events go to the creator and members only, including the
//     members of the previous snapshot so that removed members learn they were removed
//   - posts in a known private group go to that group's members only
//   - unreadCount and uploadProgress events go to their owner only
//
// Membership is learned from the group events that pass through the gateway.
type PrivateFilter struct {
	mu     sync.RWMutex
	groups map[string]events.Group
}

// NewPrivateFilter creates a filter with no known groups
func NewPrivateFilter() *PrivateFilter {
	return &PrivateFilter{groups: make(map[string]events.Group)}
}

func (f *PrivateFilter) Scope(event *events.DomainEvent) Audience {
	switch event.Channel {
	case events.ChannelUnreadCount:
		owner := event.EntityID
		return func(userID string) bool { return userID == owner }

	case events.ChannelUploadProgress:
		progress, err := event.DecodeUploadProgress()
		if err != nil {
			logger.Log.Warn("Withholding undecodable event", logger.WithChannel(string(event.Channel)), zap.Error(err))
			return denyAll
		}
		return func(userID string) bool { return userID == progress.UserID }

	case events.ChannelGroups:
		return f.scopeGroup(event)

	case events.ChannelPosts:
		if event.Type == events.TypeDeleted {
			return nil
		}
		post, err := event.DecodePost()
		if err != nil {
			return denyAll
		}
		if post.GroupID == "" {
			return nil
		}
		f.mu.RLock()
		group, known := f.groups[post.GroupID]
		f.mu.RUnlock()
		if !known {
			return nil
		}
		return group.VisibleTo
	}
	return nil
}

func (f *PrivateFilter) scopeGroup(event *events.DomainEvent) Audience {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous, hadPrevious := f.groups[event.EntityID]

	if event.Type == events.TypeDeleted {
		delete(f.groups, event.EntityID)
		if hadPrevious {
			return previous.VisibleTo
		}
		return nil
	}

	group, err := event.DecodeGroup()
	if err != nil {
		return denyAll
	}

	if group.Visibility == events.VisibilityPrivate {
		f.groups[group.ID] = group
	} else {
		delete(f.groups, group.ID)
	}

	if group.Visibility != events.VisibilityPrivate {
		return nil
	}
	return func(userID string) bool {
		return group.VisibleTo(userID) || (hadPrevious && previous.VisibleTo(userID))
	}
}

// KnownGroups returns how many private groups the filter is tracking
func (f *PrivateFilter) KnownGroups() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.groups)
}

func denyAll(string) bool { return false }
