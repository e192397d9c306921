package idempotency

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAcquire(t *testing.T) {
	t.Run("second acquisition is a duplicate", func(t *testing.T) {
		c := New(0, zerolog.Nop())
		assert.True(t, c.Acquire("chat-1", "k1"))
		assert.False(t, c.Acquire("chat-1", "k1"))
	})

	t.Run("same key in another chat is independent", func(t *testing.T) {
		c := New(0, zerolog.Nop())
		assert.True(t, c.Acquire("chat-1", "k1"))
		assert.True(t, c.Acquire("chat-2", "k1"))
	})

	t.Run("release allows a retry", func(t *testing.T) {
		c := New(0, zerolog.Nop())
		assert.True(t, c.Acquire("chat-1", "k1"))
		c.Release("chat-1", "k1")
		assert.True(t, c.Acquire("chat-1", "k1"))
	})

	t.Run("evicts oldest at capacity", func(t *testing.T) {
		c := New(3, zerolog.Nop())
		for i := 0; i < 3; i++ {
			assert.True(t, c.Acquire("chat-1", fmt.Sprintf("k%d", i)))
		}
		assert.True(t, c.Acquire("chat-1", "k3"))
		assert.Equal(t, 3, c.Len())

		// k0 was evicted, so it registers again; k3 is still known.
		assert.True(t, c.Acquire("chat-1", "k0"))
		assert.False(t, c.Acquire("chat-1", "k3"))
	})
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	c := New(0, zerolog.Nop())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Acquire("chat-1", "contested") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
