package bidding

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisClient returns a client for REDIS_ADDR or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisOutbox(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	prefix := "gavel-test:outbox:" + uuid.NewString()
	outbox := NewRedisOutbox(client, prefix)
	t.Cleanup(func() { client.Del(ctx, prefix+":s1") })

	now := time.Now().UTC().Truncate(time.Millisecond)
	later := PendingBroadcast{ID: uuid.New(), SessionID: "s1", BidID: "b2", UserID: "u2", BidPrice: 1300, CreatedAt: now.Add(time.Second)}
	earlier := PendingBroadcast{ID: uuid.New(), SessionID: "s1", BidID: "b1", UserID: "u1", BidPrice: 1200, CreatedAt: now}
	require.NoError(t, outbox.Add(ctx, later))
	require.NoError(t, outbox.Add(ctx, earlier))

	pending, err := outbox.Pending(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b1", pending[0].BidID)
	assert.Equal(t, "b2", pending[1].BidID)

	require.NoError(t, outbox.MarkSent(ctx, "s1", earlier.ID))
	pending, err = outbox.Pending(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, later.ID, pending[0].ID)

	other, err := outbox.Pending(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
