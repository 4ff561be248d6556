package rbac

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/registrar/pkg/observability"
)

// InvalidationChannel is the pub/sub channel carrying cache invalidations
const InvalidationChannel = "registrar:rbac:invalidate"

const invalidateAllPayload = "*"

// Invalidator fans cache invalidations out across replicas
type Invalidator interface {
	Publish(ctx context.Context, userIDs ...int64) error
	PublishAll(ctx context.Context) error
	// Subscribe blocks, calling fn for each invalidation until ctx ends
	Subscribe(ctx context.Context, fn func(userIDs []int64, all bool)) error
}

// RedisInvalidator publishes comma-separated user ids, or "*", on a Redis channel
type RedisInvalidator struct {
	client  *redis.Client
	channel string
	logger  *observability.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisInvalidator creates an invalidator on InvalidationChannel
func NewRedisInvalidator(client *redis.Client, logger *observability.Logger) *RedisInvalidator {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RedisInvalidator{client: client, channel: InvalidationChannel, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once Subscribe has confirmed its subscription
func (r *RedisInvalidator) Ready() <-chan struct{} {
	return r.ready
}

func (r *RedisInvalidator) Publish(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	parts := make([]string, len(userIDs))
	for i, id := range userIDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	if err := r.client.Publish(ctx, r.channel, strings.Join(parts, ",")).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

func (r *RedisInvalidator) PublishAll(ctx context.Context) error {
	if err := r.client.Publish(ctx, r.channel, invalidateAllPayload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

func (r *RedisInvalidator) Subscribe(ctx context.Context, fn func(userIDs []int64, all bool)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == invalidateAllPayload {
				fn(nil, true)
				continue
			}
			ids, err := parseIDs(msg.Payload)
			if err != nil {
				// An unparseable message may hide a real invalidation.
				r.logger.WithError(err).Warn("malformed invalidation; dropping all cached entries")
				fn(nil, true)
				continue
			}
			fn(ids, false)
		}
	}
}

func parseIDs(payload string) ([]int64, error) {
	parts := strings.Split(payload, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
