package ledger

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

func TestRedisWatcher(t *testing.T) {
	addr := os.Getenv("PIXELWAR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PIXELWAR_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(context.Background()).Err())

	channel := "pixelwar-test:" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- NewRedisWatcher(rdb, channel, nil).Run(ctx, func(owner string) { got <- owner })
	}()

	// publish until the subscription is live
	require.Eventually(t, func() bool {
		n, err := rdb.Publish(ctx, channel, "alice").Result()
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, Publish(ctx, rdb, channel, "  bob \n"))
	require.NoError(t, Publish(ctx, rdb, channel, ""))

	assert.Equal(t, "alice", <-got)
	assert.Equal(t, "bob", <-got)

	cancel()
	assert.NoError(t, <-done)
}
