package bus

import (
	"testing"

	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	msg, ok := decode(redis.XMessage{ID: "1-0", Values: map[string]any{"type": "chunk", "data": `{"text":"hi"}`}})
	require.True(t, ok)
	assert.Equal(t, agent.EventChunk, msg.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Data))
	assert.False(t, msg.Terminal())

	msg, ok = decode(redis.XMessage{ID: "2-0", Values: map[string]any{"type": "done"}})
	require.True(t, ok)
	assert.Equal(t, "null", string(msg.Data))
	assert.True(t, msg.Terminal())

	_, ok = decode(redis.XMessage{ID: "3-0", Values: map[string]any{"data": "{}"}})
	assert.False(t, ok)
}
