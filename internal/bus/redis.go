package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// subscriptionBuffer bounds frames buffered per channel between the Redis
// reader and the local dispatcher.
const subscriptionBuffer = 128

// Redis implements Bus and Leaser on a single Redis connection pool.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(url string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid pubsub url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		log:    log.With(zap.String("module", "bus")),
	}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so a dead broker fails here, not on
	// first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan Message, subscriptionBuffer),
	}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	r.log.Debug("subscribed", zap.String("channel", channel))
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Backlog() int { return len(s.out) }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// renewScript extends the lease only while it is still ours; releaseScript
// deletes under the same condition.
var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0`)
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`)
)

func (r *Redis) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{key}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, key, holder string) error {
	if _, err := releaseScript.Run(ctx, r.client, []string{key}, holder).Result(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}
