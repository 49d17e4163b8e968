package manager

import (
	"sync"
	"sync/atomic"
	"time"
)

// Feed event types.
const (
	FeedStarted       = "respawn:started"
	FeedStopped       = "respawn:stopped"
	FeedBlocked       = "respawn:blocked"
	FeedConfigUpdated = "respawn:configUpdated"
	FeedCycle         = "respawn:cycle"
)

// FeedEvent is one entry on the broadcast feed consumed by the HTTP API's
// SSE stream and any other in-process listener.
type FeedEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

// broadcaster fans FeedEvents out to subscribers. Slow subscribers lose
// events rather than stalling the publisher.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan FeedEvent
	nextID  int
	dropped atomic.Int64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan FeedEvent)}
}

// subscribe returns a feed channel and its cancel function. Cancel closes
// the channel.
func (b *broadcaster) subscribe() (<-chan FeedEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan FeedEvent, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *broadcaster) publish(ev FeedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
