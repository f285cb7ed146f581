// Package bus is the in-process event backbone. Components publish
// tagged events; subscribers receive them over bounded channels.
// Publication is fire-and-forget: a slow subscriber loses events rather
// than stalling a producer.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Topic tags an event for subscriber filtering.
type Topic string

const (
	TopicStateChange      Topic = "SYSTEM.STATE_CHANGE"
	TopicErrorEscalated   Topic = "SYSTEM.ERROR_ESCALATED"
	TopicErrorRecovered   Topic = "SYSTEM.ERROR_RECOVERED"
	TopicConnectionFailed Topic = "SYSTEM.CONNECTION_FAILED"
	TopicBufferFlushed    Topic = "BUFFER.FLUSHED"
	TopicBufferFull       Topic = "BUFFER.FULL"
	TopicBufferError      Topic = "BUFFER.ERROR"
	TopicMarketData       Topic = "MARKET_DATA"
)

// Event is one published occurrence. Payload is a stable tagged struct
// owned by the publishing package.
type Event struct {
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// StateChange is the payload of TopicStateChange.
type StateChange struct {
	ID        string `json:"id"`
	Prev      string `json:"prev"`
	Next      string `json:"next"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// BufferEvent is the payload of the BUFFER.* topics.
type BufferEvent struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Flushed int    `json:"flushed,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ConnectionFailed is the payload of TopicConnectionFailed.
type ConnectionFailed struct {
	ID       string `json:"id"`
	Exchange string `json:"exchange"`
	Attempt  int    `json:"attempt"`
	Reason   string `json:"reason"`
}

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber channel is full the event is dropped for that subscriber
// and counted.
type Bus interface {
	Publish(topic Topic, payload any)
	// Subscribe registers a channel of the given buffer size receiving
	// the listed topics (none means every topic). The returned func
	// unsubscribes and closes the channel.
	Subscribe(buffer int, topics ...Topic) (<-chan Event, func())
	// Dropped reports events lost to full subscriber channels.
	Dropped() uint64
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]struct{} // empty means all topics
}

// MemoryBus is the default in-process Bus.
type MemoryBus struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		logger: logger.With().Str("component", "bus").Logger(),
		subs:   make(map[int]*subscriber),
	}
}

// Publish delivers the event to every matching subscriber without
// blocking. Safe for concurrent use.
func (b *MemoryBus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber.
func (b *MemoryBus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		ch:     make(chan Event, buffer),
		topics: make(map[Topic]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Dropped reports the total events lost to full subscriber channels.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close detaches and closes every subscriber channel. Publish after
// Close is a no-op.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.logger.Debug().Uint64("dropped", b.dropped.Load()).Msg("bus closed")
}
