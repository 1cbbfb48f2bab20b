package destinations

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-router/internal/delivery"
	"data-router/internal/record"
)

func setupTestRedis(t *testing.T, config RedisConfig) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config.Addr = mr.Addr()
	r := NewRedis(config, nil)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisDeliver(t *testing.T) {
	r, _ := setupTestRedis(t, RedisConfig{Stream: "events", IDField: "id"})
	ctx := context.Background()

	n, err := r.Deliver(ctx, []record.Record{
		{"id": "e1", "kind": "click"},
		{"id": "e2", "kind": "view"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	messages, err := r.client.XRange(ctx, "events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "e1", messages[0].Values["record_id"])
	assert.JSONEq(t, `{"id":"e2","kind":"view"}`, fmt.Sprint(messages[1].Values["body"]))
	assert.NotEmpty(t, messages[0].Values["timestamp"])
}

func TestRedisDeliverWithoutIDField(t *testing.T) {
	r, _ := setupTestRedis(t, RedisConfig{Stream: "events"})
	ctx := context.Background()

	_, err := r.Deliver(ctx, []record.Record{{"kind": "click"}})
	require.NoError(t, err)

	messages, err := r.client.XRange(ctx, "events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.NotContains(t, messages[0].Values, "record_id")
}

func TestRedisUnavailableIsRetryable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	r := NewRedis(RedisConfig{Addr: addr, Stream: "events"}, nil)
	defer r.Close()

	_, err = r.Deliver(context.Background(), []record.Record{{"kind": "click"}})
	require.Error(t, err)
	assert.True(t, delivery.IsRetryable(err))
}

func TestClassifyRedisError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil reply", redis.Nil, false},
		{"loading", redisReply("LOADING Redis is loading the dataset in memory"), true},
		{"busy", redisReply("BUSY Redis is busy running a script"), true},
		{"syntax", redisReply("ERR syntax error"), false},
		{"network", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, delivery.IsRetryable(classifyRedisError(tt.err)))
		})
	}
}

// redisReply is a server error reply as go-redis reports it
type redisReply string

func (e redisReply) Error() string { return string(e) }

func (redisReply) RedisError() {}

func TestRedisConfigValidation(t *testing.T) {
	var config RedisConfig
	assert.Error(t, decodeConfig(map[string]interface{}{"addr": "localhost:6379"}, &config))
	assert.Error(t, decodeConfig(map[string]interface{}{"addr": "no-port", "stream": "s"}, &config))
	assert.NoError(t, decodeConfig(map[string]interface{}{"addr": "localhost:6379", "stream": "s"}, &config))
}
