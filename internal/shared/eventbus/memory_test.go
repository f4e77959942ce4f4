package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.SubscribeMessages(ctx, "p1")
	require.NoError(t, err)
	b, err := bus.SubscribeMessages(ctx, "p1")
	require.NoError(t, err)
	other, err := bus.SubscribeMessages(ctx, "p2")
	require.NoError(t, err)

	require.NoError(t, bus.PublishMessage(ctx, &MessageEvent{ProjectID: "p1", Role: "system", Content: "Agent starting..."}))

	for _, ch := range []<-chan *MessageEvent{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, "Agent starting...", e.Content)
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case e := <-other:
		t.Fatalf("unexpected event for p2: %+v", e)
	default:
	}
}

func TestMemoryBusUnsubscribeOnCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.SubscribeMessages(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("p1"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, bus.Subscribers("p1"))
}

func TestMemoryBusDropsWhenFull(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := bus.SubscribeMessages(ctx, "p1")
	require.NoError(t, err)
	for i := 0; i < 250; i++ {
		require.NoError(t, bus.PublishMessage(ctx, &MessageEvent{ProjectID: "p1", Content: "x"}))
	}
}
