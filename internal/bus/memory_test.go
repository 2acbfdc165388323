package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvMessage(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "match:m1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "match:m1", []byte("one")))
	require.NoError(t, b.Publish(ctx, "match:m1", []byte("two")))
	require.NoError(t, b.Publish(ctx, "match:m2", []byte("other channel")))

	msg := recvMessage(t, sub)
	assert.Equal(t, "match:m1", msg.Channel)
	assert.Equal(t, []byte("one"), msg.Payload)

	msg = recvMessage(t, sub)
	assert.Equal(t, []byte("two"), msg.Payload)

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message: %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryFanOut(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "match:m1")
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "match:m1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "match:m1", []byte("hi")))
	assert.Equal(t, []byte("hi"), recvMessage(t, sub1).Payload)
	assert.Equal(t, []byte("hi"), recvMessage(t, sub2).Payload)
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "match:m1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Channel is closed after Close.
	_, ok := <-sub.Messages()
	assert.False(t, ok)

	require.NoError(t, b.Publish(ctx, "match:m1", []byte("late")))
}

func TestMemoryBacklog(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "match:m1")
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Backlog())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "match:m1", []byte("x")))
	}
	assert.Equal(t, 3, sub.Backlog())

	recvMessage(t, sub)
	assert.Equal(t, 2, sub.Backlog())
}

func TestMemoryCloseClosesSubscriptions(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "match:m1")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-sub.Messages()
	assert.False(t, ok)
	assert.Error(t, b.Ping(ctx))
}

func TestMemoryLease(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	ttl := 200 * time.Millisecond

	ok, err := b.Acquire(ctx, "lease:ticker:match:m1", "instance-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held lease refuses a second holder.
	ok, err = b.Acquire(ctx, "lease:ticker:match:m1", "instance-b", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same holder re-acquires.
	ok, err = b.Acquire(ctx, "lease:ticker:match:m1", "instance-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// Renew only for the holder.
	ok, err = b.Renew(ctx, "lease:ticker:match:m1", "instance-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Renew(ctx, "lease:ticker:match:m1", "instance-b", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// Release by a non-holder is a no-op.
	require.NoError(t, b.Release(ctx, "lease:ticker:match:m1", "instance-b"))
	ok, err = b.Acquire(ctx, "lease:ticker:match:m1", "instance-b", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// Release by the holder frees it.
	require.NoError(t, b.Release(ctx, "lease:ticker:match:m1", "instance-a"))
	ok, err = b.Acquire(ctx, "lease:ticker:match:m1", "instance-b", ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLeaseExpiry(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	ok, err := b.Acquire(ctx, "lease:ticker:match:m1", "instance-a", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = b.Acquire(ctx, "lease:ticker:match:m1", "instance-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired holder cannot renew.
	ok, err = b.Renew(ctx, "lease:ticker:match:m1", "instance-a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}
