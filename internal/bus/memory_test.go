package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWithin(t *testing.T, sub Subscription, d time.Duration) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Receive(ctx)
}

func TestMemoryBus_PatternDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBus(8)
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.PSubscribe(ctx, "task:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "task:abc", []byte(`{"event":"progress"}`)))
	require.NoError(t, b.Publish(ctx, "other:abc", []byte(`ignored`)))

	msg, err := receiveWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task:abc", msg.Channel)
	assert.Equal(t, "task:*", msg.Pattern)
	assert.Equal(t, `{"event":"progress"}`, string(msg.Payload))

	_, err = receiveWithin(t, sub, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "non-matching channel must not be delivered")
}

func TestMemoryBus_PerChannelOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBus(16)
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.PSubscribe(ctx, "task:*")
	require.NoError(t, err)

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "task:x", []byte(p)))
	}

	for _, want := range []string{"1", "2", "3"} {
		msg, err := receiveWithin(t, sub, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, string(msg.Payload))
	}
}

func TestMemoryBus_FullBufferDrops(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBus(1)
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.PSubscribe(ctx, "task:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "task:a", []byte("kept")))
	require.NoError(t, b.Publish(ctx, "task:a", []byte("dropped")), "publish must not block on a full subscriber")

	msg, err := receiveWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(msg.Payload))

	_, err = receiveWithin(t, sub, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBus_Close(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBus(4)

	sub, err := b.PSubscribe(ctx, "task:*")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "Close is idempotent")

	_, err = receiveWithin(t, sub, time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, b.Publish(ctx, "task:a", nil), ErrClosed)

	_, err = b.PSubscribe(ctx, "task:*")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBus_SubscriptionClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBus(4)
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.PSubscribe(ctx, "task:*")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, b.Publish(ctx, "task:a", []byte("x")))
	_, err = receiveWithin(t, sub, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBus_InvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := NewMemoryBus(1).PSubscribe(context.Background(), "task:[")
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestMemoryBus_StarSpansSlash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBus(8)
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.PSubscribe(ctx, "task:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "task:course/42", []byte(`{"event":"completed"}`)))

	msg, err := receiveWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task:course/42", msg.Channel)
}
