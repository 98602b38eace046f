package events

import (
	"fmt"
	"slices"
	"time"
)

// Payload is implemented by every typed event payload. The set is closed.
type Payload interface {
	Kind() PayloadKind
	validate(entityID string) error
}

// Visibility of a group.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Post is the full post entity as the CRUD layer returns it after a write.
type Post struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName,omitempty"`
	AuthorAvatar string    `json:"authorAvatar,omitempty"`
	GroupID      string    `json:"groupId,omitempty"`
	Content      string    `json:"content"`
	MediaURL     string    `json:"mediaUrl,omitempty"`
	LikeCount    int       `json:"likeCount"`
	CommentCount int       `json:"commentCount"`
	ClientRef    string    `json:"clientRef,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (Post) Kind() PayloadKind { return KindPost }

func (p Post) validate(entityID string) error {
	if p.ID == "" || p.ID != entityID {
		return fmt.Errorf("%w: post id %q does not match entity %q", ErrMalformedPayload, p.ID, entityID)
	}
	if p.AuthorID == "" {
		return fmt.Errorf("%w: post %q has no author", ErrMalformedPayload, p.ID)
	}
	return nil
}

// Group is the full group (channel) entity.
type Group struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Visibility  Visibility `json:"visibility"`
	CreatorID   string     `json:"creatorId"`
	MemberIDs   []string   `json:"memberIds"`
	ClientRef   string     `json:"clientRef,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (Group) Kind() PayloadKind { return KindGroup }

func (g Group) validate(entityID string) error {
	if g.ID == "" || g.ID != entityID {
		return fmt.Errorf("%w: group id %q does not match entity %q", ErrMalformedPayload, g.ID, entityID)
	}
	if g.Visibility != VisibilityPublic && g.Visibility != VisibilityPrivate {
		return fmt.Errorf("%w: group %q has visibility %q", ErrMalformedPayload, g.ID, g.Visibility)
	}
	if g.CreatorID == "" {
		return fmt.Errorf("%w: group %q has no creator", ErrMalformedPayload, g.ID)
	}
	return nil
}

// VisibleTo reports whether userID may see the group: public groups are visible
// to everyone, private ones only to their creator and members.
func (g Group) VisibleTo(userID string) bool {
	if g.Visibility != VisibilityPrivate {
		return true
	}
	if userID == "" {
		return false
	}
	return g.CreatorID == userID || slices.Contains(g.MemberIDs, userID)
}

// Deleted carries the id of a removed entity.
type Deleted struct {
	ID string `json:"id"`
}

func (Deleted) Kind() PayloadKind { return KindDeleted }

func (d Deleted) validate(entityID string) error {
	if d.ID == "" || d.ID != entityID {
		return fmt.Errorf("%w: deleted id %q does not match entity %q", ErrMalformedPayload, d.ID, entityID)
	}
	return nil
}

// UnreadCount is the absolute unread-message count for one user.
type UnreadCount struct {
	UserID string `json:"userId"`
	Count  int64  `json:"count"`
}

func (UnreadCount) Kind() PayloadKind { return KindUnreadCount }

func (u UnreadCount) validate(entityID string) error {
	if u.UserID == "" || u.UserID != entityID {
		return fmt.Errorf("%w: unread count user %q does not match entity %q", ErrMalformedPayload, u.UserID, entityID)
	}
	if u.Count < 0 {
		return fmt.Errorf("%w: negative unread count %d", ErrMalformedPayload, u.Count)
	}
	return nil
}

// UploadProgress reports media pipeline progress for one upload.
type UploadProgress struct {
	UploadID string `json:"uploadId"`
	UserID   string `json:"userId"`
	Percent  int    `json:"percent"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (UploadProgress) Kind() PayloadKind { return KindUploadProgress }

func (u UploadProgress) validate(entityID string) error {
	if u.UploadID == "" || u.UploadID != entityID {
		return fmt.Errorf("%w: upload id %q does not match entity %q", ErrMalformedPayload, u.UploadID, entityID)
	}
	if u.Percent < 0 || u.Percent > 100 {
		return fmt.Errorf("%w: upload percent %d out of range", ErrMalformedPayload, u.Percent)
	}
	return nil
}

// User is the public user profile.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (User) Kind() PayloadKind { return KindUser }

func (u User) validate(entityID string) error {
	if u.ID == "" || u.ID != entityID {
		return fmt.Errorf("%w: user id %q does not match entity %q", ErrMalformedPayload, u.ID, entityID)
	}
	return nil
}
