package ledger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel carries one owner per message whenever the
// ledger's view of that owner's grant changes (credits bought, session key
// rotated, grant revoked).
const DefaultInvalidationChannel = "pixelwar:grant-invalidations"

// RedisWatcher turns invalidation messages published by the ledger side
// into calls to onInvalidate. It is the push half of grant caching; the
// pull half is an explicit refresh.
type RedisWatcher struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisWatcher(rdb *redis.Client, channel string, logger *slog.Logger) *RedisWatcher {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWatcher{rdb: rdb, channel: channel, logger: logger}
}

// Run blocks until ctx is done.
func (w *RedisWatcher) Run(ctx context.Context, onInvalidate func(owner string)) error {
	pubsub := w.rdb.Subscribe(ctx, w.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed so failures surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	w.logger.Info("watching grant invalidations", "channel", w.channel)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			owner := strings.TrimSpace(msg.Payload)
			if owner == "" {
				continue
			}
			w.logger.Debug("grant invalidated", "owner", owner)
			onInvalidate(owner)
		}
	}
}

// Publish announces that owner's grant changed.
func Publish(ctx context.Context, rdb *redis.Client, channel, owner string) error {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return rdb.Publish(ctx, channel, owner).Err()
}
