// ABOUTME: Per-connection state: identity, subscriptions, outbound queue, liveness
// ABOUTME: Closing is idempotent and tears down subscriptions before the socket

package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Afee2019/openclaw/internal/events"
	"github.com/Afee2019/openclaw/internal/protocol"
)

// Conn is one authenticated protocol connection.
type Conn struct {
	ID       string
	Identity string

	ws     *websocket.Conn
	queue  *outQueue
	logger *slog.Logger

	// inflight counts requests currently being served off the read loop;
	// the idle sweep leaves such connections alone.
	inflight atomic.Int64

	mu           sync.Mutex
	subs         map[string]func() // topic -> teardown
	lastActivity time.Time
	closed       bool
}

func newConn(id, identity string, ws *websocket.Conn, queueSize int, logger *slog.Logger) *Conn {
	return &Conn{
		ID:           id,
		Identity:     identity,
		ws:           ws,
		queue:        newOutQueue(queueSize),
		logger:       logger.With("connection_id", id, "identity", identity),
		subs:         make(map[string]func()),
		lastActivity: time.Now(),
	}
}

// Enqueue queues an envelope for delivery. Drops are the queue's business.
func (c *Conn) Enqueue(env *protocol.Envelope) {
	c.queue.Push(env)
}

// Subscribe attaches the connection to a topic, forwarding broadcast events
// into its outbound queue. Subscribing twice to a topic is a no-op.
func (c *Conn) Subscribe(b *events.Broadcaster, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, ok := c.subs[topic]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, topic)
	// Teardown removes the subscription from the broadcaster synchronously
	// so no event arrives after an unsubscribe response.
	c.subs[topic] = func() {
		cancel()
		b.Unsubscribe(topic, subID)
	}

	go func() {
		for env := range ch {
			c.Enqueue(env)
		}
	}()
}

// Unsubscribe detaches the connection from a topic.
func (c *Conn) Unsubscribe(topic string) {
	c.mu.Lock()
	teardown, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		teardown()
	}
}

// Topics returns the connection's current subscriptions.
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last inbound frame.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// close tears the connection down once: subscriptions, queue, then socket.
func (c *Conn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	teardowns := make([]func(), 0, len(c.subs))
	for _, teardown := range c.subs {
		teardowns = append(teardowns, teardown)
	}
	c.subs = make(map[string]func())
	c.mu.Unlock()

	for _, teardown := range teardowns {
		teardown()
	}
	c.queue.Close()
	if err := c.ws.Close(websocket.StatusCode(code), reason); err != nil {
		c.logger.Debug("closing websocket", "error", err)
	}
}
