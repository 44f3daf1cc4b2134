package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/roach88/entityflow/internal/ir"
)

// DefaultDialer is used when WSFeed.Dialer is nil.
var DefaultDialer = &gorilla.Dialer{
	Proxy:            gorilla.DefaultDialer.Proxy,
	HandshakeTimeout: 10 * time.Second,
}

// WSFeed reads JSON-encoded ir.Change frames from a websocket endpoint.
//
// The first dial happens inside Subscribe so a bad URL fails fast. After
// that, a dropped connection is redialed according to Retryer until it gives
// up or the subscription context ends.
type WSFeed struct {
	URL     string
	Header  http.Header
	Dialer  *gorilla.Dialer
	Retryer Retryer
	// Entity drops changes for other entities when set.
	Entity string
	// Buffer is the capacity of the returned channel.
	Buffer int
}

// NewWSFeed returns a feed for url with default dialer and backoff.
func NewWSFeed(url, entity string) *WSFeed {
	return &WSFeed{URL: url, Entity: entity}
}

// Subscribe implements Source.
func (f *WSFeed) Subscribe(ctx context.Context) (<-chan ir.Change, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	size := f.Buffer
	if size <= 0 {
		size = 64
	}
	out := make(chan ir.Change, size)
	go f.loop(ctx, conn, out)
	return out, nil
}

func (f *WSFeed) dial(ctx context.Context) (*gorilla.Conn, error) {
	dialer := f.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	conn, res, err := dialer.DialContext(ctx, f.URL, f.Header)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial change feed %s: %w", f.URL, err)
	}
	return conn, nil
}

func (f *WSFeed) retryer() Retryer {
	if f.Retryer == nil {
		return NewExponentialBackoff()
	}
	return f.Retryer
}

// loop owns out and closes it on exit.
func (f *WSFeed) loop(ctx context.Context, conn *gorilla.Conn, out chan<- ir.Change) {
	defer close(out)
	for {
		err := f.readLoop(ctx, conn, out)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("change feed disconnected", "url", f.URL, "error", err)

		conn = f.redial(ctx, err)
		if conn == nil {
			return
		}
		slog.Info("change feed reconnected", "url", f.URL)
	}
}

// redial returns nil once the retryer gives up or ctx ends.
func (f *WSFeed) redial(ctx context.Context, lastErr error) *gorilla.Conn {
	r := f.retryer()
	for attempt := 0; ; attempt++ {
		delay, ok := r.NextDelay(attempt, lastErr)
		if !ok {
			slog.Error("change feed giving up", "url", f.URL, "attempts", attempt, "error", lastErr)
			return nil
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		conn, err := f.dial(ctx)
		if err == nil {
			return conn
		}
		lastErr = err
		slog.Debug("change feed redial failed", "url", f.URL, "attempt", attempt, "error", err)
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *gorilla.Conn, out chan<- ir.Change) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var c ir.Change
		if err := conn.ReadJSON(&c); err != nil {
			return err
		}
		if f.Entity != "" && c.Entity != f.Entity {
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
