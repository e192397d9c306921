package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	t.Run("deterministic for identical inputs", func(t *testing.T) {
		k1 := Key("chat-1", "InterviewAgent", 3, "NEXT")
		k2 := Key("chat-1", "InterviewAgent", 3, "NEXT")
		assert.Equal(t, k1, k2)
	})

	t.Run("differs by counter", func(t *testing.T) {
		k1 := Key("chat-1", "InterviewAgent", 3, "NEXT")
		k2 := Key("chat-1", "InterviewAgent", 4, "NEXT")
		assert.NotEqual(t, k1, k2)
	})

	t.Run("differs by content", func(t *testing.T) {
		k1 := Key("chat-1", "InterviewAgent", 3, "NEXT")
		k2 := Key("chat-1", "InterviewAgent", 3, "DONE")
		assert.NotEqual(t, k1, k2)
	})

	t.Run("embeds chat and agent", func(t *testing.T) {
		k := Key("chat-9", "PatternAgent", 0, "")
		assert.Contains(t, k, "chat-9:PatternAgent:0:")
	})
}
