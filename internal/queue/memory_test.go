package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_DrainFollowsChain(t *testing.T) {
	bus := NewMemoryBus(fastPolicy(1))
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Envelope{Kind: KindMigrateNext}))

	remaining := 3
	n, err := bus.Drain(ctx, func(ctx context.Context, env Envelope) error {
		if remaining == 0 {
			return nil
		}
		remaining--
		return bus.Publish(ctx, Envelope{Kind: KindMigrateNext})
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, bus.Len())
}

func TestMemoryBus_PendingKeepsOrder(t *testing.T) {
	bus := NewMemoryBus(fastPolicy(1))
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Envelope{Kind: KindSyncUser, Key: "a"}))
	require.NoError(t, bus.Publish(ctx, Envelope{Kind: KindSyncUser, Key: "b"}))

	pending := bus.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Key)
	assert.Equal(t, "b", pending[1].Key)
	assert.Equal(t, 2, bus.Len(), "Pending does not consume")
}

func TestMemoryBus_RunStopsAfterClose(t *testing.T) {
	bus := NewMemoryBus(fastPolicy(1))
	ctx := context.Background()

	handled := make(chan Kind, 4)
	done := make(chan error, 1)
	go func() {
		done <- bus.Run(ctx, func(_ context.Context, env Envelope) error {
			handled <- env.Kind
			return nil
		})
	}()

	require.NoError(t, bus.Publish(ctx, Envelope{Kind: KindSyncUser}))
	select {
	case k := <-handled:
		assert.Equal(t, KindSyncUser, k)
	case <-time.After(time.Second):
		t.Fatal("envelope was not handled")
	}

	require.NoError(t, bus.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, bus.Publish(ctx, Envelope{}), ErrClosed)
}
