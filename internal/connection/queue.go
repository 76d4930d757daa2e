// ABOUTME: Bounded outbound envelope queue with drop-oldest-event overflow
// ABOUTME: Responses are never dropped; events lose to backpressure first

package connection

import (
	"context"
	"sync"

	"github.com/Afee2019/openclaw/internal/protocol"
)

// outQueue buffers envelopes awaiting the connection's write loop. When the
// queue is full an Event is sacrificed (oldest queued first, then the
// incoming one); Responses are appended regardless so every request still
// gets its terminal reply.
type outQueue struct {
	mu     sync.Mutex
	items  []*protocol.Envelope
	limit  int
	ready  chan struct{}
	closed bool

	dropped uint64
}

func newOutQueue(limit int) *outQueue {
	return &outQueue{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues an envelope. Returns false when the queue is closed or the
// envelope was dropped for backpressure.
func (q *outQueue) Push(env *protocol.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.items) >= q.limit {
		if !q.evictOldestEvent() {
			if env.Kind == protocol.KindEvent {
				q.dropped++
				return false
			}
			// A response beyond the bound still goes out.
		}
	}

	q.items = append(q.items, env)
	q.signal()
	return true
}

// evictOldestEvent removes the oldest queued Event, if any. Caller holds q.mu.
func (q *outQueue) evictOldestEvent() bool {
	for i, item := range q.items {
		if item.Kind == protocol.KindEvent {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped++
			return true
		}
	}
	return false
}

// Pop blocks until an envelope is available, the queue closes, or ctx ends.
func (q *outQueue) Pop(ctx context.Context) (*protocol.Envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.ready:
		}
	}
}

// Len reports the number of queued envelopes.
func (q *outQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many events were lost to backpressure.
func (q *outQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes any blocked Pop. Queued envelopes already accepted can still
// be drained.
func (q *outQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *outQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
