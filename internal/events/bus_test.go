package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitSyncRunsHandlers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventSessionOpened, "a", func(ctx context.Context, e Event) error {
		calls.Add(1)
		assert.False(t, e.Time.IsZero())
		return nil
	})
	bus.Subscribe(EventSessionOpened, "b", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("b failed")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventSessionOpened})
	require.EqualError(t, err, "b failed")
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmitRecoversPanics(t *testing.T) {
	bus := NewEventBus()

	var ran atomic.Bool
	bus.Subscribe(EventSessionClosed, "panics", func(ctx context.Context, e Event) error {
		panic("boom")
	})
	bus.Subscribe(EventSessionClosed, "ok", func(ctx context.Context, e Event) error {
		ran.Store(true)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventSessionClosed})
	bus.Stop()
	assert.True(t, ran.Load())
}

func TestSubscribeAllAndUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.SubscribeAll("mqtt", func(ctx context.Context, e Event) error { return nil })
	for _, et := range AllEventTypes {
		assert.Equal(t, 1, bus.HandlerCount(et), "type %s", et)
	}

	bus.Unsubscribe(EventHandoffCaptured, "mqtt")
	assert.Equal(t, 0, bus.HandlerCount(EventHandoffCaptured))

	bus.Subscribe(EventShutdown, "cli", func(ctx context.Context, e Event) error { return nil })
	bus.UnsubscribeAll("mqtt")
	for _, et := range AllEventTypes {
		want := 0
		if et == EventShutdown {
			want = 1
		}
		assert.Equal(t, want, bus.HandlerCount(et), "type %s", et)
	}
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(EventShutdown, "x", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Stop()
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}))
	assert.Equal(t, int32(0), calls.Load())

	var nilBus *EventBus
	nilBus.Emit(context.Background(), Event{Type: EventShutdown})
}
