package hooks

import (
	"context"

	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/reconcile"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/subscription"
)

// GroupSource fetches the groups baseline.
type GroupSource interface {
	GetGroups(ctx context.Context) ([]events.Group, error)
}

// GroupsHook keeps the groups visible to one user.
type GroupsHook struct {
	*collection[events.Group]
	userID string
}

// NewGroupsHook creates an unmounted groups hook for userID.
func NewGroupsHook(reg *subscription.Registry, src GroupSource, userID string, setGroups func([]events.Group), opts ...Option) (*GroupsHook, error) {
	if setGroups == nil {
		return nil, ErrNilSetter
	}
	o := buildOptions("groups", opts)
	r := reconcile.Groups(userID)

	return &GroupsHook{
		userID: userID,
		collection: &collection[events.Group]{
			consumer: o.consumer,
			reg:      reg,
			reducer:  r,
			load:     src.GetGroups,
			set:      setGroups,
			routes: map[events.Channel]applyFunc[events.Group]{
				events.ChannelGroups: r.Apply,
			},
		},
	}, nil
}

// UserID returns the user whose visibility the hook applies.
func (h *GroupsHook) UserID() string { return h.userID }
