// ABOUTME: Tests for duplicate suppression, TTL expiry, and capacity eviction
// ABOUTME: Includes a concurrent check that only one delivery passes

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_FirstDeliveryPasses(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("telegram", "msg-1"))
	assert.True(t, c.Seen("telegram", "msg-1"))
}

func TestSeen_KeysAreChannelScoped(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("telegram", "msg-1"))
	assert.False(t, c.Seen("discord", "msg-1"))
}

func TestSeen_ExpiredEntryPassesAgain(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Seen("telegram", "msg-1"))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.Seen("telegram", "msg-1"))
}

func TestSeen_CapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	assert.False(t, c.Seen("telegram", "a"))
	assert.False(t, c.Seen("telegram", "b"))
	assert.False(t, c.Seen("telegram", "c")) // evicts "a"

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("telegram", "a")) // forgotten, passes again
	assert.True(t, c.Seen("telegram", "c"))
}

func TestSeen_ConcurrentSingleWinner(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("telegram", "same-message") {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), passed.Load())
}

func TestRemoveExpired(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Seen("telegram", fmt.Sprintf("msg-%d", i))
	}
	time.Sleep(20 * time.Millisecond)
	c.removeExpired(time.Now())
	assert.Zero(t, c.Len())
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 100)
	c.Close()
	c.Close()
}
