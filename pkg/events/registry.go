// Package events defines the fixed set of realtime channels, the event types each
// channel carries, and the DomainEvent wire envelope shared by the server and clients.
package events

import (
	"errors"
	"fmt"
)

// Channel is a logical pub/sub channel name.
type Channel string

const (
	ChannelPosts          Channel = "posts"
	ChannelGroups         Channel = "groups"
	ChannelUnreadCount    Channel = "unreadCount"
	ChannelUploadProgress Channel = "uploadProgress"
	ChannelUserUpdated    Channel = "userUpdated"
)

// EventType identifies the mutation an event describes.
type EventType string

const (
	TypeCreated EventType = "created"
	TypeUpdated EventType = "updated"
	TypeDeleted EventType = "deleted"

	TypeGroupMemberJoined EventType = "groupMemberJoined"
	TypeGroupMemberLeft   EventType = "groupMemberLeft"

	TypeUnreadCountUpdated EventType = "unreadCountUpdated"

	TypeUploadProgress  EventType = "uploadProgress"
	TypeUploadCompleted EventType = "uploadCompleted"
	TypeUploadFailed    EventType = "uploadFailed"
)

// PayloadKind names the payload shape carried by a (channel, type) pair.
type PayloadKind string

const (
	KindPost           PayloadKind = "post"
	KindGroup          PayloadKind = "group"
	KindDeleted        PayloadKind = "deleted"
	KindUnreadCount    PayloadKind = "unread_count"
	KindUploadProgress PayloadKind = "upload_progress"
	KindUser           PayloadKind = "user"
)

var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrInvalidType      = errors.New("event type not valid for channel")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// channelOrder fixes iteration order for Channels.
var channelOrder = []Channel{
	ChannelPosts,
	ChannelGroups,
	ChannelUnreadCount,
	ChannelUploadProgress,
	ChannelUserUpdated,
}

// registry is the closed (channel, type) -> payload table. Each pair has exactly
// one payload shape.
var registry = map[Channel]map[EventType]PayloadKind{
	ChannelPosts: {
		TypeCreated: KindPost,
		TypeUpdated: KindPost,
		TypeDeleted: KindDeleted,
	},
	ChannelGroups: {
		TypeCreated:           KindGroup,
		TypeUpdated:           KindGroup,
		TypeDeleted:           KindDeleted,
		TypeGroupMemberJoined: KindGroup,
		TypeGroupMemberLeft:   KindGroup,
	},
	ChannelUnreadCount: {
		TypeUnreadCountUpdated: KindUnreadCount,
	},
	ChannelUploadProgress: {
		TypeUploadProgress:  KindUploadProgress,
		TypeUploadCompleted: KindUploadProgress,
		TypeUploadFailed:    KindUploadProgress,
	},
	ChannelUserUpdated: {
		TypeUpdated: KindUser,
	},
}

// Channels returns every registered channel in a stable order.
func Channels() []Channel {
	out := make([]Channel, len(channelOrder))
	copy(out, channelOrder)
	return out
}

// Valid reports whether c is a registered channel.
func (c Channel) Valid() bool {
	_, ok := registry[c]
	return ok
}

func (c Channel) String() string {
	return string(c)
}

// Types returns the event types accepted on channel c.
func Types(c Channel) []EventType {
	types, ok := registry[c]
	if !ok {
		return nil
	}
	out := make([]EventType, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	return out
}

// Lookup returns the payload kind for (c, t).
func Lookup(c Channel, t EventType) (PayloadKind, error) {
	types, ok := registry[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, c)
	}
	kind, ok := types[t]
	if !ok {
		return "", fmt.Errorf("%w: %q on %q", ErrInvalidType, t, c)
	}
	return kind, nil
}

// Validate checks that t is a member of c's closed type set.
func Validate(c Channel, t EventType) error {
	_, err := Lookup(c, t)
	return err
}
