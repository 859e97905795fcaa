package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genq/feed"
)

func dialEvents(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	return websocket.DefaultDialer.Dial(url, header)
}

func startEventServer(t *testing.T, opts ...Option) (*fixture, *feed.Bus, *httptest.Server) {
	t.Helper()
	bus := feed.NewBus()
	f := newFixture(t, append([]Option{WithFeed(bus)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	f.server.Start(ctx)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		f.server.wg.Wait()
	})

	// Wait for the broadcaster to subscribe before publishing
	require.Eventually(t, func() bool { return bus.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	return f, bus, srv
}

func TestEventsStream(t *testing.T) {
	f, bus, srv := startEventServer(t)

	conn, _, err := dialEvents(t, srv, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	sent := feed.Event{Seq: 7, Table: feed.TableQueueState, Op: feed.OpUpdate, RowID: "1", At: time.Now().UTC()}
	require.NoError(t, bus.Publish(context.Background(), sent))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got feed.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.Seq, got.Seq)
	assert.Equal(t, sent.Table, got.Table)
	assert.Equal(t, sent.Op, got.Op)
	assert.Equal(t, sent.RowID, got.RowID)
	assert.True(t, sent.At.Equal(got.At))
}

func TestEventsClientDisconnectUnregisters(t *testing.T) {
	f, _, srv := startEventServer(t)

	conn, _, err := dialEvents(t, srv, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.server.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.server.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	_, _, srv := startEventServer(t, WithAllowedOrigins("https://genq.example"))

	_, resp, err := dialEvents(t, srv, http.Header{"Origin": []string{"https://elsewhere.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialEvents(t, srv, http.Header{"Origin": []string{"https://genq.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestEventsWithoutFeed(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/ws/events", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSlowClientIsDropped(t *testing.T) {
	f := newFixture(t)
	client := &Client{server: f.server, send: make(chan feed.Event, 1), id: "slow-client"}
	f.server.register(client)

	assert.Equal(t, 1, f.server.broadcast(feed.Event{Table: feed.TableJobs}))
	assert.Equal(t, 0, f.server.broadcast(feed.Event{Table: feed.TableJobs}))
	assert.Equal(t, 0, f.server.ClientCount())

	_, open := <-client.send
	assert.True(t, open, "buffered event still readable")
	_, open = <-client.send
	assert.False(t, open, "send channel closed on drop")
}
