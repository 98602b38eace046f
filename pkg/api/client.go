// Package api is the REST client used for the one-time baseline fetches that
// seed the realtime hooks, and for the writes the posts hook makes optimistic.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/json-iterator/go"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/logger"
)

const userAgent = "Sidechain-Realtime/0.1.0"

// Client wraps a resty client bound to one API base URL and token.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for baseURL. A zero timeout means 30s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	httpClient.OnBeforeRequest(func(c *resty.Client, req *resty.Request) error {
		logger.Debug("HTTP Request", "method", req.Method, "url", req.URL)
		return nil
	})
	httpClient.OnAfterResponse(func(c *resty.Client, resp *resty.Response) error {
		logger.Debug("HTTP Response", "status", resp.StatusCode(), "url", resp.Request.URL)
		return nil
	})

	return &Client{http: httpClient}
}

// SetAuthToken sets the bearer token sent with every request.
func (c *Client) SetAuthToken(token string) {
	c.http.SetAuthToken(token)
}

// PostListResponse is the body of GET /api/v1/posts.
type PostListResponse struct {
	Posts []events.Post `json:"posts"`
}

// GroupListResponse is the body of GET /api/v1/groups.
type GroupListResponse struct {
	Groups []events.Group `json:"groups"`
}

// CreatePostRequest is the body of POST /api/v1/posts. ClientRef is echoed
// back on the created entity and on its realtime event.
type CreatePostRequest struct {
	Content   string `json:"content"`
	GroupID   string `json:"groupId,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	ClientRef string `json:"clientRef"`
}

// GetPosts fetches the newest posts, newest first.
func (c *Client) GetPosts(ctx context.Context, limit int) ([]events.Post, error) {
	logger.Debug("Fetching posts baseline", "limit", limit)

	var response PostListResponse
	req := c.http.R().SetContext(ctx).SetResult(&response)
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprintf("%d", limit))
	}
	if err := CheckResponse(req.Get("/api/v1/posts")); err != nil {
		return nil, err
	}
	return response.Posts, nil
}

// GetGroups fetches the groups visible to the caller.
func (c *Client) GetGroups(ctx context.Context) ([]events.Group, error) {
	logger.Debug("Fetching groups baseline")

	var response GroupListResponse
	if err := CheckResponse(c.http.R().SetContext(ctx).SetResult(&response).Get("/api/v1/groups")); err != nil {
		return nil, err
	}
	return response.Groups, nil
}

// GetUnreadCount fetches the caller's unread message count.
func (c *Client) GetUnreadCount(ctx context.Context) (int64, error) {
	logger.Debug("Fetching unread count")

	var response events.UnreadCount
	if err := CheckResponse(c.http.R().SetContext(ctx).SetResult(&response).Get("/api/v1/unread-count")); err != nil {
		return 0, err
	}
	return response.Count, nil
}

// CreatePost creates a post and returns the stored entity.
func (c *Client) CreatePost(ctx context.Context, req CreatePostRequest) (events.Post, error) {
	logger.Debug("Creating post", "client_ref", req.ClientRef)

	var post events.Post
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&post).
		Post("/api/v1/posts")
	if err := CheckResponse(resp, err); err != nil {
		return events.Post{}, err
	}
	return post, nil
}

// MarkMessagesRead marks count messages read, or all of them.
func (c *Client) MarkMessagesRead(ctx context.Context, count int64, all bool) (int64, error) {
	var response events.UnreadCount
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"count": count, "all": all}).
		SetResult(&response).
		Post("/api/v1/messages/read")
	if err := CheckResponse(resp, err); err != nil {
		return 0, err
	}
	return response.Count, nil
}
