package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/pkg/events"
)

type recordSink struct {
	mu     sync.Mutex
	events []*events.DomainEvent
	got    chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{got: make(chan struct{}, 16)}
}

func (s *recordSink) Dispatch(ev *events.DomainEvent) int {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- struct{}{}
	return 1
}

func (s *recordSink) all() []*events.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.DomainEvent(nil), s.events...)
}

// fakeGateway upgrades every request and hands the server side of the
// connection to the test.
type fakeGateway struct {
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	auth     chan string
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{conns: make(chan *websocket.Conn, 4), auth: make(chan string, 4)}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.auth <- r.Header.Get("Authorization")
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.conns <- conn
}

func (g *fakeGateway) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		Token:                "tok",
		ConnectTimeout:       time.Second,
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		MaxReconnectAttempts: -1,
	}
}

func eventFrame(t *testing.T, ev *events.DomainEvent) []byte {
	t.Helper()
	data, err := ev.Marshal()
	require.NoError(t, err)
	return []byte(fmt.Sprintf(`{"type":"event","payload":%s,"timestamp":1700000000000}`, data))
}

func groupUpdated(t *testing.T, id string) *events.DomainEvent {
	t.Helper()
	g := events.Group{ID: id, Name: "crew", Visibility: events.VisibilityPublic, CreatorID: "u_1"}
	ev, err := events.New(events.ChannelGroups, events.TypeUpdated, id, g, "instance-a", time.Now())
	require.NoError(t, err)
	return ev
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestClientDeliversEventsAndDropsMalformedFrames(t *testing.T) {
	gw, srv := newFakeGateway(t)
	sink := newRecordSink()
	c := NewClient(testConfig(wsURL(srv)), sink)
	defer c.Close()

	system := make(chan SystemMessage, 1)
	c.OnSystem(func(m SystemMessage) { system <- m })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "Bearer tok", <-gw.auth)
	assert.True(t, c.IsConnected())

	conn := gw.accept(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"system","payload":{"event":"connected","data":{"instance_id":"instance-a"}},"timestamp":"2024-01-01T00:00:00Z"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","payload":{"channel":"chat","type":"created","entityId":"x","payload":{}}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, eventFrame(t, groupUpdated(t, "g_1"))))

	select {
	case m := <-system:
		assert.Equal(t, SystemConnected, m.Event)
	case <-time.After(3 * time.Second):
		t.Fatal("no system frame")
	}
	waitFor(t, sink.got)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.ChannelGroups, got[0].Channel)
	assert.Equal(t, "g_1", got[0].EntityID)

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.EventsReceived)
	assert.Equal(t, int64(3), stats.FramesDropped)
	assert.Equal(t, "instance-a", stats.LastInstanceID)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	gw, srv := newFakeGateway(t)
	sink := newRecordSink()
	c := NewClient(testConfig(wsURL(srv)), sink)
	defer c.Close()

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func() { reconnected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	first := gw.accept(t)
	<-gw.auth

	// events sent while the client is away are lost
	require.NoError(t, first.Close())

	waitFor(t, reconnected)
	second := gw.accept(t)
	assert.Equal(t, 1, c.GetStats().ReconnectCount)
	assert.True(t, c.IsConnected())

	require.NoError(t, second.WriteMessage(websocket.TextMessage, eventFrame(t, groupUpdated(t, "g_after"))))
	waitFor(t, sink.got)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "g_after", got[0].EntityID)
}

func TestRemovedReconnectCallbackIsNotCalled(t *testing.T) {
	c := NewClient(testConfig("ws://unused"), nil)
	called := false
	remove := c.OnReconnect(func() { called = true })
	remove()
	c.fireReconnect()
	assert.False(t, called)
}

func TestClientPing(t *testing.T) {
	gw, srv := newFakeGateway(t)
	c := NewClient(testConfig(wsURL(srv)), newRecordSink())
	defer c.Close()

	assert.ErrorIs(t, c.Ping(), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	conn := gw.accept(t)
	require.NoError(t, c.Ping())

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"ping"`)
	assert.Contains(t, string(data), `client_time`)
	assert.Equal(t, int64(1), c.GetStats().MessagesSent)
}

func TestConnectErrors(t *testing.T) {
	c := NewClient(Config{}, nil)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrNoURL)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c = NewClient(testConfig(wsURL(srv)), nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())
	assert.NotEmpty(t, c.GetStats().LastError)
}

func TestCloseStopsReconnecting(t *testing.T) {
	gw, srv := newFakeGateway(t)
	c := NewClient(testConfig(wsURL(srv)), newRecordSink())

	require.NoError(t, c.Connect(context.Background()))
	gw.accept(t)

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	gw, srv := newFakeGateway(t)
	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnectAttempts = 2
	c := NewClient(cfg, nil)

	require.NoError(t, c.Connect(context.Background()))
	conn := gw.accept(t)
	srv.Close()
	_ = conn.Close()

	assert.Eventually(t, func() bool { return c.State() == StateError }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "ConnectionState(42)", ConnectionState(42).String())
}
