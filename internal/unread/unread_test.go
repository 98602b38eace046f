package unread

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"github.com/zfogg/sidechain/realtime/internal/broker"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/publisher"
	"github.com/zfogg/sidechain/realtime/pkg/events"
)

type UnreadSuite struct {
	suite.Suite
	mem       *broker.Memory
	service   *Service
	router    *gin.Engine
	published []events.UnreadCount
	caller    string
}

func TestUnreadSuite(t *testing.T) {
	suite.Run(t, new(UnreadSuite))
}

func (s *UnreadSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	logger.InitializeForTest()
}

func (s *UnreadSuite) SetupTest() {
	s.mem = broker.NewMemory()
	s.published = nil
	s.caller = "u_1"

	_, err := s.mem.Subscribe(events.ChannelUnreadCount, func(e *events.DomainEvent) {
		count, err := e.DecodeUnreadCount()
		s.Require().NoError(err)
		s.published = append(s.published, count)
	})
	s.Require().NoError(err)

	s.service = NewService(s.mem, publisher.New(s.mem, "instance-a"))

	s.router = gin.New()
	api := s.router.Group("/api/v1", func(c *gin.Context) {
		c.Set("user_id", s.caller)
		c.Next()
	})
	NewHandler(s.service).RegisterRoutes(api)
}

func (s *UnreadSuite) do(method, path string, body interface{}) (*httptest.ResponseRecorder, events.UnreadCount) {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	var out events.UnreadCount
	if w.Code == http.StatusOK {
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (s *UnreadSuite) TestReceivedThenReadPublishesAbsoluteCounts() {
	ctx := context.Background()

	count, err := s.service.MessageReceived(ctx, "u_1", 3)
	s.Require().NoError(err)
	s.Equal(int64(3), count)

	count, err = s.service.MessagesRead(ctx, "u_1", 2)
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	s.Equal([]events.UnreadCount{{UserID: "u_1", Count: 3}, {UserID: "u_1", Count: 1}}, s.published)

	stored, err := s.mem.GetCounter(ctx, Key("u_1"))
	s.Require().NoError(err)
	s.Equal(int64(1), stored)
}

func (s *UnreadSuite) TestCounterNeverGoesNegative() {
	ctx := context.Background()
	_, err := s.service.MessageReceived(ctx, "u_1", 1)
	s.Require().NoError(err)

	count, err := s.service.MessagesRead(ctx, "u_1", 5)
	s.Require().NoError(err)
	s.Equal(int64(0), count)
}

func (s *UnreadSuite) TestRejectsNonPositiveCounts() {
	ctx := context.Background()
	_, err := s.service.MessageReceived(ctx, "u_1", 0)
	s.ErrorIs(err, ErrInvalidCount)
	_, err = s.service.MessagesRead(ctx, "u_1", -1)
	s.ErrorIs(err, ErrInvalidCount)
	s.Empty(s.published)
}

func (s *UnreadSuite) TestMarkAllRead() {
	ctx := context.Background()
	_, err := s.service.MessageReceived(ctx, "u_1", 7)
	s.Require().NoError(err)

	s.Require().NoError(s.service.MarkAllRead(ctx, "u_1"))
	count, err := s.service.Get(ctx, "u_1")
	s.Require().NoError(err)
	s.Equal(int64(0), count)
	s.Len(s.published, 2)
	s.Equal(int64(0), s.published[1].Count)
}

func (s *UnreadSuite) TestClosedBrokerSurfacesError() {
	s.Require().NoError(s.mem.Close())
	_, err := s.service.MessageReceived(context.Background(), "u_1", 1)
	s.ErrorIs(err, broker.ErrClosed)

	w, _ := s.do(http.MethodGet, "/api/v1/unread-count", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func (s *UnreadSuite) TestHTTPFlow() {
	w, got := s.do(http.MethodGet, "/api/v1/unread-count", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(events.UnreadCount{UserID: "u_1", Count: 0}, got)

	w, got = s.do(http.MethodPost, "/api/v1/messages/received", MessageReceivedRequest{RecipientID: "u_1", Count: 2})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(int64(2), got.Count)

	w, got = s.do(http.MethodPost, "/api/v1/messages/received", MessageReceivedRequest{RecipientID: "u_1"})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(int64(3), got.Count)

	w, got = s.do(http.MethodPost, "/api/v1/messages/read", MarkReadRequest{Count: 1})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(int64(2), got.Count)

	w, got = s.do(http.MethodPost, "/api/v1/messages/read", MarkReadRequest{All: true})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(int64(0), got.Count)

	s.Len(s.published, 4)
}

func (s *UnreadSuite) TestHTTPValidation() {
	w, _ := s.do(http.MethodPost, "/api/v1/messages/received", map[string]int{"count": 1})
	s.Equal(http.StatusUnprocessableEntity, w.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/messages/read", MarkReadRequest{Count: 0})
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Contains(w.Body.String(), "VALIDATION_ERROR")
}
