package reconcile

import "github.com/zfogg/sidechain/realtime/pkg/events"

// Posts returns the reducer for the posts channel
func Posts() *Reducer[events.Post] {
	return New(Config[events.Post]{
		Channel: events.ChannelPosts,
		Key:     func(p events.Post) string { return p.ID },
		Ref:     func(p events.Post) string { return p.ClientRef },
		Decode:  (*events.DomainEvent).DecodePost,
	})
}

// Groups returns the reducer for the groups channel as seen by userID.
// Private groups are kept only while userID is their creator or a member.
func Groups(userID string) *Reducer[events.Group] {
	return New(Config[events.Group]{
		Channel: events.ChannelGroups,
		Key:     func(g events.Group) string { return g.ID },
		Ref:     func(g events.Group) string { return g.ClientRef },
		Visible: func(g events.Group) bool { return g.VisibleTo(userID) },
		Decode:  (*events.DomainEvent).DecodeGroup,
	})
}
