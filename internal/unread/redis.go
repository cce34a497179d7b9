package unread

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"
)

const InvalidationChannel = "unread.invalidate"

type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// RedisInvalidator deletes shared count keys and announces the invalidation
// so other instances can drop their local caches.
type RedisInvalidator struct {
	client *redis.Client
}

func NewRedisInvalidator(url string) (*RedisInvalidator, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisInvalidator{client: redis.NewClient(opts)}, nil
}

func (r *RedisInvalidator) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Publish(ctx, InvalidationChannel, strings.Join(keys, ","))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidating %v: %w", keys, err)
	}
	return nil
}

// Listen applies invalidations announced by other instances to cache until
// ctx is done.
func (r *RedisInvalidator) Listen(ctx context.Context, cache *Cache) {
	sub := r.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := cache.Invalidate(ctx, strings.Split(msg.Payload, ",")...); err != nil {
				log.Warnf("unread: applying remote invalidation: %v", err)
			}
		}
	}
}

func (r *RedisInvalidator) Close() error {
	return r.client.Close()
}

// Fanout invalidates every target, returning the joined errors.
type Fanout []Invalidator

func (f Fanout) Invalidate(ctx context.Context, keys ...string) error {
	var errs []error
	for _, target := range f {
		if err := target.Invalidate(ctx, keys...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
