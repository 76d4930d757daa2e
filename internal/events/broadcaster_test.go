// ABOUTME: Tests for topic fan-out, per-topic sequencing, and slow-subscriber drops
// ABOUTME: Verifies subscription lifecycle including context-driven cleanup

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Afee2019/openclaw/internal/protocol"
)

func TestPublish_DeliversToTopicSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx, protocol.TopicMessage)
	ch2, _ := b.Subscribe(ctx, protocol.TopicMessage)
	other, _ := b.Subscribe(ctx, protocol.TopicSession)

	require.NoError(t, b.Publish(protocol.TopicMessage, map[string]string{"content": "hi"}))

	for _, ch := range []<-chan *protocol.Envelope{ch1, ch2} {
		select {
		case env := <-ch:
			assert.Equal(t, protocol.KindEvent, env.Kind)
			assert.Equal(t, protocol.TopicMessage, env.Topic)
			assert.Equal(t, uint64(1), env.Seq)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case <-other:
		t.Fatal("event leaked to a different topic")
	default:
	}
}

func TestPublish_SeqMonotonicPerTopic(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), protocol.TopicProfile)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(protocol.TopicProfile, map[string]int{"n": i}))
	}
	// A different topic keeps its own counter.
	require.NoError(t, b.Publish(protocol.TopicRoute, map[string]int{"n": 0}))

	for want := uint64(1); want <= 3; want++ {
		env := <-ch
		assert.Equal(t, want, env.Seq)
	}
}

func TestPublish_DropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), protocol.TopicMessage)

	// Overfill the buffer; extra events are dropped, not blocking.
	for i := 0; i < subscriberBufferSize+10; i++ {
		require.NoError(t, b.Publish(protocol.TopicMessage, map[string]int{"n": i}))
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), protocol.TopicMessage)
	b.Unsubscribe(protocol.TopicMessage, subID)

	_, open := <-ch
	assert.False(t, open)

	// Idempotent.
	b.Unsubscribe(protocol.TopicMessage, subID)
}

func TestSubscribe_ContextCancelCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, protocol.TopicMessage)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestClose_ClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(context.Background(), protocol.TopicMessage)
	ch2, _ := b.Subscribe(context.Background(), protocol.TopicSession)
	b.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}
