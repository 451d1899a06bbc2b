package redisstreams

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope_RoundTrips(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	env := wireEnvelope{
		ID:        "env-1",
		Type:      "OrderSubmitted",
		Timestamp: ts.UnixNano(),
		Payload:   map[string]interface{}{"orderId": "order-1"},
		Headers:   map[string]string{"x-saga-attempts": "2"},
	}

	values, err := encodeEnvelope(env)
	require.NoError(t, err)

	entry := redis.XMessage{ID: "1-0", Values: values}
	decoded, err := decodeEnvelope(entry)
	require.NoError(t, err)

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, ts.UnixNano(), decoded.Timestamp)
	payload := decoded.Payload.(map[string]interface{})
	assert.Equal(t, "order-1", payload["orderId"])
	assert.Equal(t, "2", decoded.Headers["x-saga-attempts"])
}

func TestDecodeEnvelope_FallbackTimestampFromString(t *testing.T) {
	entry := redis.XMessage{ID: "2-0", Values: map[string]interface{}{
		"id":        "env-2",
		"type":      "OrderSubmitted",
		"timestamp": "1700000000000000000",
		"payload":   "{}",
		"headers":   "{}",
	}}
	decoded, err := decodeEnvelope(entry)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000000000), decoded.Timestamp)
}

func TestDecodeEnvelope_FallsBackToEntryIDWhenMissing(t *testing.T) {
	entry := redis.XMessage{ID: "3-0", Values: map[string]interface{}{
		"type": "OrderSubmitted",
	}}
	decoded, err := decodeEnvelope(entry)
	require.NoError(t, err)
	assert.Equal(t, "3-0", decoded.ID)
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()

	assert.Equal(t, "saga:", cfg.StreamPrefix)
	assert.Equal(t, "saga:delayed", cfg.DelayKey)
	assert.Equal(t, "sagaflow", cfg.GroupName)
	assert.NotEmpty(t, cfg.ConsumerName)
	assert.Equal(t, 5*time.Second, cfg.BlockTimeout)
	assert.Equal(t, int64(10), cfg.ReadCount)
	assert.Equal(t, 100*time.Millisecond, cfg.MinReadBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxReadBackoff)
	assert.Equal(t, 500*time.Millisecond, cfg.DelayPollInterval)
}

func TestNew_BuildsOwnClientWhenNoneProvided(t *testing.T) {
	tr, err := New(Config{Addr: "localhost:6379"})
	require.NoError(t, err)
	assert.True(t, tr.ownClient)
}
