// Package realtime delivers out-of-band record changes to an engine.
//
// A Source yields ir.Change values until its context ends. WSFeed reads them
// from a websocket endpoint and reconnects with backoff; ChannelFeed is an
// in-process fan-out used by tests and embedders; Handler serves any Source
// to websocket clients.
package realtime

import (
	"context"
	"sync"

	"github.com/roach88/entityflow/internal/ir"
)

// Source streams server-side changes. The returned channel is closed when ctx
// ends or the source can no longer deliver.
type Source interface {
	Subscribe(ctx context.Context) (<-chan ir.Change, error)
}

// ChannelFeed broadcasts published changes to every live subscriber.
// Publish never blocks; a subscriber whose buffer is full misses the change.
type ChannelFeed struct {
	mu     sync.Mutex
	subs   map[int]chan ir.Change
	next   int
	buffer int
}

// NewChannelFeed returns a feed whose subscriber channels hold buffer changes.
func NewChannelFeed(buffer int) *ChannelFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelFeed{subs: map[int]chan ir.Change{}, buffer: buffer}
}

// Subscribe implements Source.
func (f *ChannelFeed) Subscribe(ctx context.Context) (<-chan ir.Change, error) {
	ch := make(chan ir.Change, f.buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Publish delivers c to every subscriber. It reports how many received it.
func (f *ChannelFeed) Publish(c ir.Change) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ch := range f.subs {
		select {
		case ch <- c:
			n++
		default:
		}
	}
	return n
}

// Subscribers returns the number of live subscriptions.
func (f *ChannelFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
