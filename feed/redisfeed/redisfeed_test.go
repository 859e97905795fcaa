package redisfeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/genq/feed"
)

// newTestFeed connects to GENQ_TEST_REDIS_ADDR when set and to an in-process
// miniredis otherwise.
func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	addr := os.Getenv("GENQ_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	return newFeed(t, addr)
}

func newFeed(t *testing.T, addr string) *Feed {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: addr, Protocol: 2, MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	f := New(client,
		WithChannel("genq:test:"+t.Name()),
		WithLogger(zaptest.NewLogger(t).Sugar()),
	)
	require.NoError(t, f.Ping(context.Background()))
	return f
}

func receive(t *testing.T, events <-chan feed.Event) feed.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return feed.Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	f := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := f.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, feed.Event{Table: feed.TableFlags, Op: feed.OpUpdate, RowID: "priority_lock"}))

	ev := receive(t, events)
	assert.Equal(t, feed.TableFlags, ev.Table)
	assert.Equal(t, "priority_lock", ev.RowID)
}

func TestUndecodablePayloadStillSignals(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFeed(t, mr.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := f.Subscribe(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mr.Publish(f.Channel(), "not json") > 0 },
		5*time.Second, 10*time.Millisecond)

	ev := receive(t, events)
	assert.Equal(t, feed.TableJobs, ev.Table)
	assert.Equal(t, feed.OpUpdate, ev.Op)
}

func TestSubscriptionClosesOnCancel(t *testing.T) {
	f := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := f.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestSubscriptionClosesWhenServerGoesAway(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	f := newFeed(t, mr.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := f.Subscribe(ctx)
	require.NoError(t, err)
	mr.Close()

	// A closed channel with a live ctx tells the coordinator to poll.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				assert.NoError(t, ctx.Err())
				return
			}
		case <-timeout:
			t.Fatal("subscription not closed after server shutdown")
		}
	}
}

func TestSubscribeFailsWithoutServer(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	addr := mr.Addr()
	mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: addr, Protocol: 2, MaxRetries: -1, DialTimeout: time.Second})
	t.Cleanup(func() { client.Close() })
	f := New(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.Subscribe(ctx)
	assert.ErrorContains(t, err, "failed to subscribe")
}

func TestDefaults(t *testing.T) {
	f := New(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}))
	assert.Equal(t, DefaultChannel, f.Channel())
}
