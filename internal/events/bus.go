package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// Publisher sends an event to every live subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Bus is an in-process topic registry. Topics are owner IDs; a topic exists only while it
// has subscribers. Publish never blocks: a subscriber whose queue is full is dropped and its
// channel closed, and the client is expected to reconnect and re-fetch state.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]*subscriber
	buffer int
	closed bool
	logger *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	id    string
	topic string
	ch    chan Event
}

// Subscription is one live subscriber. C is closed when the subscription ends for any reason.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan Event

	bus *Bus
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.Topic, s.ID)
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Topics      int
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
}

// NewBus creates a bus with the given per-subscriber buffer; values below 1 use DefaultBuffer.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics: make(map[string]map[string]*subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscriber on topic. The connection_established handshake is the
// first event on the returned channel.
func (b *Bus) Subscribe(topic string) (*Subscription, error) {
	sub := &subscriber{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan Event, b.buffer),
	}
	sub.ch <- Event{
		Type: ConnectionEstablished,
		Data: map[string]interface{}{
			"message":         "Connected to notifications",
			"user_id":         topic,
			"subscription_id": sub.id,
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*subscriber)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub

	return &Subscription{ID: sub.id, Topic: topic, C: sub.ch, bus: b}, nil
}

// Publish delivers ev to every current subscriber of topic without waiting on any of them.
// Publishing to a topic with no subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var slow []string

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	b.published.Add(1)
	for id, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
			b.delivered.Add(1)
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.dropped.Add(1)
		b.logger.Warn("Dropping slow subscriber",
			"topic", topic,
			"subscription_id", id,
			"event_type", ev.Type,
		)
		b.unsubscribe(topic, id)
	}
	return nil
}

func (b *Bus) unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Subscribers returns the number of live subscribers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Topics:    len(b.topics),
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
	for _, subs := range b.topics {
		st.Subscribers += len(subs)
	}
	return st
}

// Close ends every subscription and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
}
