package bus

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Bus and Leaser used by tests. Per-channel order is
// the publish order.
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]*memorySubscription
	leases map[string]memoryLease
	closed bool
}

type memoryLease struct {
	holder  string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[string][]*memorySubscription),
		leases: make(map[string]memoryLease),
	}
}

func (b *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	subs := make([]*memorySubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySubscription{
		bus:     b,
		channel: channel,
		out:     make(chan Message, subscriptionBuffer),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Memory) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return context.Canceled
	}
	return ctx.Err()
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.closeOnce()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	bus     *Memory
	channel string
	out     chan Message
	once    sync.Once
}

func (s *memorySubscription) deliver(msg Message) {
	defer func() {
		// Sending on a closed channel races with Close in tests that tear
		// down while publishing; swallow it.
		_ = recover()
	}()
	s.out <- msg
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Backlog() int { return len(s.out) }

func (s *memorySubscription) closeOnce() {
	s.once.Do(func() { close(s.out) })
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.channel]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	s.closeOnce()
	return nil
}

func (b *Memory) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[key]
	if ok && l.holder != holder && time.Now().Before(l.expires) {
		return false, nil
	}
	b.leases[key] = memoryLease{holder: holder, expires: time.Now().Add(ttl)}
	return true, nil
}

func (b *Memory) Renew(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[key]
	if !ok || l.holder != holder || time.Now().After(l.expires) {
		return false, nil
	}
	b.leases[key] = memoryLease{holder: holder, expires: time.Now().Add(ttl)}
	return true, nil
}

func (b *Memory) Release(_ context.Context, key, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.leases[key]; ok && l.holder == holder {
		delete(b.leases, key)
	}
	return nil
}
