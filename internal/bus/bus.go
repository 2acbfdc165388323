// Package bus is the cross-instance pub/sub contract. Every accepted command
// is published once to the bus and every replica fans it out to its local
// subscribers, so horizontally scaled instances present one logical stream
// per channel.
package bus

import (
	"context"
	"time"
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live feed for one channel. Messages preserves the bus's
// per-channel order.
type Subscription interface {
	Messages() <-chan Message
	// Backlog is the number of received frames not yet consumed locally.
	Backlog() int
	Close() error
}

// Bus publishes byte payloads to named channels and opens per-channel
// subscriptions.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Leaser hands out short-TTL exclusive leases, used to elect a single ticker
// owner per match across instances.
type Leaser interface {
	// Acquire takes the lease if free. holder must be unique per process.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends the lease iff still held by holder.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release drops the lease iff still held by holder.
	Release(ctx context.Context, key, holder string) error
}
