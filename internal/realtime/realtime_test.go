package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/ir"
)

func change(entity, id, name string) ir.Change {
	return ir.Change{
		Entity: entity,
		Action: ir.ChangeUpdate,
		ID:     id,
		Record: &ir.Record{ID: id, Version: "2", Fields: ir.Object{"name": ir.String(name)}},
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func receive(t *testing.T, ch <-chan ir.Change) ir.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return ir.Change{}
}

func TestChannelFeed_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := NewChannelFeed(4)

	a, err := feed.Subscribe(ctx)
	require.NoError(t, err)
	b, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, feed.Publish(change("users", "7", "Ann")))
	assert.Equal(t, "7", receive(t, a).ID)
	assert.Equal(t, "7", receive(t, b).ID)

	cancel()
	require.Eventually(t, func() bool { return feed.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-a
	assert.False(t, ok)
}

func TestChannelFeed_FullSubscriberMissesChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewChannelFeed(1)
	_, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, feed.Publish(change("users", "1", "a")))
	assert.Equal(t, 0, feed.Publish(change("users", "2", "b")))
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxRetries: 5}

	var got []time.Duration
	for attempt := 0; ; attempt++ {
		d, ok := b.NextDelay(attempt, nil)
		if !ok {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}, got)
}

func TestExponentialBackoff_JitterStaysInBand(t *testing.T) {
	b := NewExponentialBackoff()
	for i := 0; i < 50; i++ {
		d, ok := b.NextDelay(0, nil)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestFixedDelay(t *testing.T) {
	f := FixedDelay{Delay: time.Millisecond, MaxRetries: 2}
	d, ok := f.NextDelay(1, nil)
	assert.True(t, ok)
	assert.Equal(t, time.Millisecond, d)
	_, ok = f.NextDelay(2, nil)
	assert.False(t, ok)
}

func TestWSFeed_HandlerRoundTrip(t *testing.T) {
	feed := NewChannelFeed(8)
	srv := httptest.NewServer(NewHandler(feed))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := NewWSFeed(wsURL(srv), "users")
	ch, err := ws.Subscribe(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	feed.Publish(change("teams", "3", "ignored"))
	feed.Publish(change("users", "7", "Ann"))

	got := receive(t, ch)
	assert.Equal(t, "users", got.Entity)
	assert.Equal(t, ir.ChangeUpdate, got.Action)
	require.NotNil(t, got.Record)
	assert.Equal(t, ir.String("Ann"), got.Record.Fields["name"])
	assert.Equal(t, "2", got.Record.Version)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	require.Eventually(t, func() bool { return feed.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWSFeed_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	upgrader := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		_ = conn.WriteJSON(change("users", "1", "first"))
		if n == 1 {
			return
		}
		_ = conn.WriteJSON(change("users", "2", "second"))
		_, _, _ = conn.NextReader()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := &WSFeed{URL: wsURL(srv), Retryer: FixedDelay{Delay: 10 * time.Millisecond}}
	ch, err := ws.Subscribe(ctx)
	require.NoError(t, err)

	assert.Equal(t, "1", receive(t, ch).ID)
	assert.Equal(t, "1", receive(t, ch).ID)
	assert.Equal(t, "2", receive(t, ch).ID)
	assert.Equal(t, int32(2), conns.Load())
}

func TestWSFeed_GivesUpAndCloses(t *testing.T) {
	upgrader := gorilla.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ws := &WSFeed{URL: wsURL(srv), Retryer: FixedDelay{Delay: time.Millisecond, MaxRetries: 2}}
	ch, err := ws.Subscribe(context.Background())
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not give up")
	}
	assert.Equal(t, int32(3), conns.Load())
}

func TestWSFeed_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWSFeed(wsURL(srv), "").Subscribe(context.Background())
	assert.ErrorContains(t, err, "dial change feed")
}
