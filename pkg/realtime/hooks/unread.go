package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/logger"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/subscription"
)

// UnreadSource fetches the unread count.
type UnreadSource interface {
	GetUnreadCount(ctx context.Context) (int64, error)
}

// UnreadCountHook mirrors the server's unread counter for one user. The count
// is fetched once at mount and after a transport reconnect; otherwise it only
// changes through unreadCountUpdated events.
type UnreadCountHook struct {
	reg       *subscription.Registry
	src       UnreadSource
	userID    string
	set       func(int64)
	consumer  string
	reconnect ReconnectNotifier
	timeout   time.Duration

	mu       sync.Mutex
	mounted  bool
	loading  bool
	gen      uint64
	count    int64
	early    *int64 // latest event seen while the baseline was loading
	version  uint64 // bumped whenever an event changes count
	handle   *subscription.Handle
	unnotify func()
}

// NewUnreadCountHook creates an unmounted unread hook for userID.
func NewUnreadCountHook(reg *subscription.Registry, src UnreadSource, userID string, setUnreadCount func(int64), opts ...Option) (*UnreadCountHook, error) {
	if setUnreadCount == nil {
		return nil, ErrNilSetter
	}
	o := buildOptions("unread", opts)
	return &UnreadCountHook{
		reg:       reg,
		src:       src,
		userID:    userID,
		set:       setUnreadCount,
		consumer:  o.consumer,
		reconnect: o.reconnect,
		timeout:   o.timeout,
	}, nil
}

// Mount subscribes and fetches the initial count.
func (h *UnreadCountHook) Mount(ctx context.Context) error {
	h.mu.Lock()
	if h.mounted {
		h.mu.Unlock()
		return nil
	}
	h.gen++
	gen := h.gen
	handle, err := h.reg.Subscribe(events.ChannelUnreadCount, h.consumer, h.onEvent)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.handle = handle
	h.mounted = true
	h.loading = true
	h.early = nil
	if h.reconnect != nil {
		h.unnotify = h.reconnect.OnReconnect(h.resync)
	}
	h.mu.Unlock()

	count, err := h.src.GetUnreadCount(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen || !h.mounted {
		return ErrNotMounted
	}
	h.loading = false
	if err != nil {
		h.unmountLocked()
		return err
	}
	// An event delivered during the fetch is at least as new as the response.
	if h.early != nil {
		count = *h.early
		h.early = nil
	}
	h.count = count
	h.set(count)
	return nil
}

// Unmount deregisters the handler and the reconnect callback.
func (h *UnreadCountHook) Unmount() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unmountLocked()
}

func (h *UnreadCountHook) unmountLocked() {
	if h.handle != nil {
		h.handle.Unsubscribe()
		h.handle = nil
	}
	if h.unnotify != nil {
		h.unnotify()
		h.unnotify = nil
	}
	h.mounted = false
	h.loading = false
	h.early = nil
	h.gen++
}

// Count returns the last known count.
func (h *UnreadCountHook) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mounted reports whether the hook is mounted.
func (h *UnreadCountHook) Mounted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mounted
}

func (h *UnreadCountHook) onEvent(ev *events.DomainEvent) {
	u, err := ev.DecodeUnreadCount()
	if err != nil {
		logger.Warn("Dropping realtime event", "consumer", h.consumer, "channel", ev.Channel, "error", err)
		return
	}
	if u.UserID != h.userID {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.mounted {
		return
	}
	if h.loading {
		c := u.Count
		h.early = &c
		return
	}
	h.version++
	if u.Count == h.count {
		return
	}
	h.count = u.Count
	h.set(u.Count)
}

// resync re-fetches the count after a reconnect, covering events lost while
// the transport was down.
func (h *UnreadCountHook) resync() {
	h.mu.Lock()
	if !h.mounted || h.loading {
		h.mu.Unlock()
		return
	}
	gen, version := h.gen, h.version
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	count, err := h.src.GetUnreadCount(ctx)
	if err != nil {
		logger.Warn("Unread count re-sync failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// An event applied while the request was in flight supersedes it.
	if h.gen != gen || !h.mounted || h.version != version || count == h.count {
		return
	}
	h.count = count
	h.set(count)
}
