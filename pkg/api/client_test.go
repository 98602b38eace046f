package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, time.Second)
	c.SetAuthToken("tok")
	return c
}

func TestGetPosts(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/posts", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"posts":[{"id":"p_2","authorId":"u_1","content":"b"},{"id":"p_1","authorId":"u_1","content":"a"}]}`)
	})

	posts, err := c.GetPosts(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "p_2", posts[0].ID)
	assert.Equal(t, "a", posts[1].Content)
}

func TestGetGroups(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/groups", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"groups":[{"id":"g_1","name":"crew","visibility":"private","creatorId":"u_1","memberIds":["u_2"]}]}`)
	})

	groups, err := c.GetGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].VisibleTo("u_2"))
}

func TestGetUnreadCount(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/unread-count", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"userId":"u_1","count":7}`)
	})

	n, err := c.GetUnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestCreatePostSendsClientRef(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"clientRef":"ref-1"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"p_42","authorId":"u_1","content":"hello","clientRef":"ref-1"}`)
	})

	post, err := c.CreatePost(context.Background(), CreatePostRequest{Content: "hello", ClientRef: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, "p_42", post.ID)
	assert.Equal(t, "ref-1", post.ClientRef)
}

func TestMarkMessagesRead(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/messages/read", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"all":true`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"userId":"u_1","count":0}`)
	})

	n, err := c.MarkMessagesRead(context.Background(), 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   string
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"code":"UNAUTHORIZED","message":"missing token"}`, "UNAUTHORIZED", IsUnauthorized},
		{"not found", http.StatusNotFound, `{"code":"NOT_FOUND","message":"posts not found"}`, "NOT_FOUND", IsNotFound},
		{"plain text", http.StatusBadGateway, `upstream down`, "UNKNOWN_ERROR", IsServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.GetUnreadCount(context.Background())
			require.Error(t, err)
			assert.True(t, tt.check(err))

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestStatusHelpersOnOtherErrors(t *testing.T) {
	assert.False(t, IsUnauthorized(assert.AnError))
	assert.False(t, IsServerError(nil))
}
