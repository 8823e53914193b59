package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const subscriberBuffer = 16

// Bus fans persisted events out to live subscribers (SSE handlers, the
// websocket hub, the notifier). Publish never blocks: a subscriber that
// cannot keep up has events dropped, it is never allowed to stall the
// pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	log  *zap.Logger

	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		log:  zap.L().Named("eventbus"),
	}
}

// Subscribe registers a new consumer and returns its channel. The caller
// must drain the channel and call Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Debug("subscriber full, dropping event",
				zap.String("type", string(ev.Category)),
				zap.Int("camera_id", ev.CameraID))
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were discarded on full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
