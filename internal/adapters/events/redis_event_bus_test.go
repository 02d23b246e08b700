package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/redis"
)

func newTestBus(t *testing.T) *RedisEventBus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisEventBus(redisclient.NewClientFromRedis(rdb))
	t.Cleanup(func() {
		_ = bus.Close()
		_ = rdb.Close()
	})
	return bus
}

func receive(t *testing.T, ch <-chan *entities.ContextEvent) *entities.ContextEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRedisEventBus_PublishSubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := bus.Subscribe(ctx, providers.EventChannelContextUpdates)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx, providers.EventChannelContextUpdates)
	require.NoError(t, err)

	event := entities.NewContextEvent(entities.ContextEventSessionUpdated, "patient-1", "session-1")
	require.NoError(t, bus.Publish(ctx, providers.EventChannelContextUpdates, event))

	for _, ch := range []<-chan *entities.ContextEvent{first, second} {
		got := receive(t, ch)
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, entities.ContextEventSessionUpdated, got.Type)
		assert.Equal(t, "patient-1", got.PatientID)
	}
}

func TestRedisEventBus_SubscriberContextCancelClosesChannel(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, providers.EventChannelContextUpdates)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestRedisEventBus_CloseEndsSubscriptions(t *testing.T) {
	bus := newTestBus(t)
	ch, err := bus.Subscribe(context.Background(), providers.EventChannelContextUpdates)
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
	}
}
