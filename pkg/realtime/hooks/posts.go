package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/reconcile"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/subscription"
)

// PostSource fetches the posts baseline.
type PostSource interface {
	GetPosts(ctx context.Context, limit int) ([]events.Post, error)
}

// PostsHook keeps a reconciled feed of posts and owns the optimistic
// create flow for the local user.
type PostsHook struct {
	*collection[events.Post]
	now func() time.Time
}

// NewPostsHook creates an unmounted posts hook that reports state to setPosts.
func NewPostsHook(reg *subscription.Registry, src PostSource, setPosts func([]events.Post), opts ...Option) (*PostsHook, error) {
	if setPosts == nil {
		return nil, ErrNilSetter
	}
	o := buildOptions("posts", opts)
	r := reconcile.Posts()

	h := &PostsHook{now: o.now}
	h.collection = &collection[events.Post]{
		consumer: o.consumer,
		reg:      reg,
		reducer:  r,
		load: func(ctx context.Context) ([]events.Post, error) {
			return src.GetPosts(ctx, o.limit)
		},
		set: setPosts,
		routes: map[events.Channel]applyFunc[events.Post]{
			events.ChannelPosts:       r.Apply,
			events.ChannelUserUpdated: patchAuthor(r),
		},
	}
	return h, nil
}

// patchAuthor refreshes the denormalised author fields of every post by the
// updated user.
func patchAuthor(r *reconcile.Reducer[events.Post]) applyFunc[events.Post] {
	return func(s reconcile.State[events.Post], ev *events.DomainEvent) (reconcile.State[events.Post], error) {
		u, err := ev.DecodeUser()
		if err != nil {
			return s, err
		}
		name := u.DisplayName
		if name == "" {
			name = u.Username
		}
		return r.Patch(s, func(p events.Post) (events.Post, bool) {
			if p.AuthorID != u.ID || (p.AuthorName == name && p.AuthorAvatar == u.AvatarURL) {
				return p, false
			}
			p.AuthorName = name
			p.AuthorAvatar = u.AvatarURL
			return p, true
		}), nil
	}
}

// BeginCreate inserts draft at the top of the feed as a pending entry and
// returns its correlation ref and temp id. The caller sends the ref with the
// create request.
func (h *PostsHook) BeginCreate(draft events.Post) (ref, tempID string, err error) {
	ref = uuid.NewString()
	err = h.mutate(func(s reconcile.State[events.Post]) (reconcile.State[events.Post], error) {
		t := h.now()
		tempID = reconcile.NewTempID(t)
		for {
			if _, taken := s.Get(tempID); !taken {
				break
			}
			t = t.Add(time.Millisecond)
			tempID = reconcile.NewTempID(t)
		}
		draft.ID = tempID
		draft.ClientRef = ref
		return h.reducer.AddOptimistic(s, ref, tempID, draft)
	})
	if err != nil {
		return "", "", err
	}
	return ref, tempID, nil
}

// Confirm applies the server's response for ref.
func (h *PostsHook) Confirm(ref string, post events.Post) error {
	return h.mutate(func(s reconcile.State[events.Post]) (reconcile.State[events.Post], error) {
		return h.reducer.Confirm(s, ref, post)
	})
}

// Fail rolls back the pending entry for ref.
func (h *PostsHook) Fail(ref string) error {
	return h.mutate(func(s reconcile.State[events.Post]) (reconcile.State[events.Post], error) {
		return h.reducer.Rollback(s, ref)
	})
}

// Create runs the whole optimistic flow: insert a pending entry, call write
// with the draft (ClientRef set), then confirm or roll back.
func (h *PostsHook) Create(ctx context.Context, draft events.Post, write func(context.Context, events.Post) (events.Post, error)) (events.Post, error) {
	ref, tempID, err := h.BeginCreate(draft)
	if err != nil {
		return events.Post{}, err
	}
	draft.ID = tempID
	draft.ClientRef = ref

	post, err := write(ctx, draft)
	if err != nil {
		if rbErr := h.Fail(ref); rbErr != nil && !errors.Is(rbErr, ErrNotMounted) {
			return events.Post{}, rbErr
		}
		return events.Post{}, err
	}
	if post.ClientRef == "" {
		post.ClientRef = ref
	}
	if err := h.Confirm(ref, post); err != nil && !errors.Is(err, ErrNotMounted) {
		return post, err
	}
	return post, nil
}

// Intent returns the optimistic intent for ref.
func (h *PostsHook) Intent(ref string) (reconcile.Intent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Intent(ref)
}
