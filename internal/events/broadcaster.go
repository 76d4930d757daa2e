// ABOUTME: In-memory topic pub/sub broadcaster carrying protocol event envelopes
// ABOUTME: Assigns per-topic monotonic sequence numbers and drops events for slow subscribers

// Package events fans out server-push event envelopes to topic subscribers.
// Each topic carries its own monotonically increasing sequence number so
// clients can detect gaps after a drop.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Afee2019/openclaw/internal/protocol"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub over event topics. Publishing never
// blocks: a subscriber whose buffer is full loses the event, and the seq gap
// tells the client it happened.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *protocol.Envelope // topic -> subID -> ch
	seqs        map[string]uint64                             // topic -> last assigned seq
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *protocol.Envelope),
		seqs:        make(map[string]uint64),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// channel that receives event envelopes and a subscription ID for later
// unsubscription. The subscription is cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *protocol.Envelope, string) {
	subID := uuid.New().String()
	ch := make(chan *protocol.Envelope, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *protocol.Envelope)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish assigns the topic's next sequence number, wraps the payload in an
// event envelope, and sends it to every subscriber of the topic.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Assignment and fan-out happen under one lock so subscribers observe seqs
// in order.
func (b *Broadcaster) Publish(topic string, payload any) error {
	env, err := protocol.NewEvent(topic, 0, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[topic]++
	env.Seq = b.seqs[topic]

	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- env:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic, "seq", env.Seq)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
// Sequence counters survive so a restart of the fan-out keeps seqs monotonic.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
}
