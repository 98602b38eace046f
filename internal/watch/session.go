package watch

import (
	"context"
	"errors"
	"fmt"

	"github.com/zfogg/sidechain/realtime/pkg/api"
	"github.com/zfogg/sidechain/realtime/pkg/config"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/hooks"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/subscription"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/transport"
)

var ErrNoUser = errors.New("a user id is required (--user or auth.user_id)")

// Session is one connected client: transport, registry and the three hooks.
type Session struct {
	API       *api.Client
	Transport *transport.Client
	Registry  *subscription.Registry
	Posts     *hooks.PostsHook
	Groups    *hooks.GroupsHook
	Unread    *hooks.UnreadCountHook

	printer  *Printer
	unsystem func()
}

// NewSession wires a client from cfg. Nothing connects until Start.
func NewSession(cfg *config.Config, printer *Printer, postLimit int) (*Session, error) {
	if cfg.Auth.UserID == "" {
		return nil, ErrNoUser
	}

	s := &Session{
		API:      api.NewClient(cfg.API.BaseURL, cfg.API.Timeout),
		Registry: subscription.NewRegistry(),
		printer:  printer,
	}
	if cfg.Auth.Token != "" {
		s.API.SetAuthToken(cfg.Auth.Token)
	}

	s.Transport = transport.NewClient(transport.Config{
		URL:                  cfg.WS.URL,
		Token:                cfg.Auth.Token,
		HeartbeatInterval:    cfg.WS.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.WS.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.WS.ReconnectMaxDelay,
		MaxReconnectAttempts: -1,
	}, s.Registry)

	var err error
	if s.Posts, err = hooks.NewPostsHook(s.Registry, s.API, printer.Posts, hooks.WithLimit(postLimit)); err != nil {
		return nil, err
	}
	if s.Groups, err = hooks.NewGroupsHook(s.Registry, s.API, cfg.Auth.UserID, printer.Groups); err != nil {
		return nil, err
	}
	if s.Unread, err = hooks.NewUnreadCountHook(s.Registry, s.API, cfg.Auth.UserID, printer.Unread,
		hooks.WithReconnect(s.Transport)); err != nil {
		return nil, err
	}
	return s, nil
}

// Start connects to the gateway, then mounts the hooks so that events
// arriving during the baseline fetch are not lost.
func (s *Session) Start(ctx context.Context) error {
	s.unsystem = s.Transport.OnSystem(s.printer.System)
	if err := s.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}
	if err := s.Posts.Mount(ctx); err != nil {
		return fmt.Errorf("load posts: %w", err)
	}
	if err := s.Groups.Mount(ctx); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	if err := s.Unread.Mount(ctx); err != nil {
		return fmt.Errorf("load unread count: %w", err)
	}
	return nil
}

// Stop unmounts the hooks and closes the transport.
func (s *Session) Stop() {
	s.Posts.Unmount()
	s.Groups.Unmount()
	s.Unread.Unmount()
	if s.unsystem != nil {
		s.unsystem()
	}
	_ = s.Transport.Close()
}

// CreatePost runs an optimistic create through the posts hook.
func (s *Session) CreatePost(ctx context.Context, content, groupID string) (events.Post, error) {
	draft := events.Post{Content: content, GroupID: groupID}
	return s.Posts.Create(ctx, draft, func(ctx context.Context, d events.Post) (events.Post, error) {
		return s.API.CreatePost(ctx, api.CreatePostRequest{
			Content:   d.Content,
			GroupID:   d.GroupID,
			ClientRef: d.ClientRef,
		})
	})
}
