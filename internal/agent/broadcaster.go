package agent

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultEventBuffer = 256

// Subscription receives events for one session, or for all sessions when its
// session id is empty. C is closed when the subscription or broadcaster closes.
type Subscription struct {
	C <-chan Event

	id        int64
	sessionID string
	ch        chan Event
	b         *Broadcaster
	once      sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		if _, ok := s.b.subs[s.id]; ok {
			delete(s.b.subs, s.id)
			close(s.ch)
		}
		s.b.mu.Unlock()
	})
}

// Broadcaster fans session events out to subscribers without ever blocking the
// publisher. Delivery is best effort: no queueing for absent subscribers, no
// replay, and a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	in     chan Event
	done   chan struct{}
	buffer int

	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	closed bool

	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewBroadcaster starts a broadcaster. buffer sizes both the inbound queue and
// each subscriber's channel.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	b := &Broadcaster{
		in:     make(chan Event, buffer),
		done:   make(chan struct{}),
		buffer: buffer,
		subs:   make(map[int64]*Subscription),
	}
	go b.broadcastLoop()
	return b
}

// Publish queues ev for fan-out. It reports false if the event was dropped.
func (b *Broadcaster) Publish(ev Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.in <- ev:
		return true
	default:
		b.dropped.Add(1)
		slog.Warn("[BROADCAST] Inbound queue full, dropping event", "session_id", ev.SessionID, "type", ev.Type)
		return false
	}
}

// Subscribe registers a listener. An empty sessionID receives every session.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Dropped returns how many events were not delivered somewhere.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the fan-out loop and closes every subscription.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		for id, sub := range b.subs {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	})
}

// broadcastLoop delivers queued events in publish order.
func (b *Broadcaster) broadcastLoop() {
	slog.Info("[BROADCAST] Broadcast loop started")
	for {
		select {
		case <-b.done:
			slog.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case ev := <-b.in:
			b.fanOut(ev)
		}
	}
}

func (b *Broadcaster) fanOut(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			slog.Warn("[BROADCAST] Subscriber buffer full, dropping event",
				"session_id", ev.SessionID,
				"type", ev.Type,
				"subscription", sub.id,
			)
		}
	}
}
