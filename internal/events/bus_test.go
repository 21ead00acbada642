package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testEvent struct {
	Name string
}

func TestBus_EmitDispatchesToAllSubscribers(t *testing.T) {
	b := NewBus[testEvent](zaptest.NewLogger(t))
	var gotA, gotB testEvent
	b.Subscribe("a", func(ctx context.Context, ev testEvent) { gotA = ev })
	b.Subscribe("b", func(ctx context.Context, ev testEvent) { gotB = ev })

	b.Emit(context.Background(), testEvent{Name: "hello"})

	assert.Equal(t, "hello", gotA.Name)
	assert.Equal(t, "hello", gotB.Name)
}

func TestBus_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus[testEvent](zaptest.NewLogger(t))
	var gotB testEvent
	b.Subscribe("panics", func(ctx context.Context, ev testEvent) { panic("boom") })
	b.Subscribe("b", func(ctx context.Context, ev testEvent) { gotB = ev })

	assert.NotPanics(t, func() {
		b.Emit(context.Background(), testEvent{Name: "survives"})
	})
	assert.Equal(t, "survives", gotB.Name)
}

func TestBus_UnsubscribeRemovesHandler(t *testing.T) {
	b := NewBus[testEvent](zaptest.NewLogger(t))
	calls := 0
	b.Subscribe("a", func(ctx context.Context, ev testEvent) { calls++ })
	b.Unsubscribe("a")
	b.Emit(context.Background(), testEvent{Name: "x"})
	assert.Equal(t, 0, calls)
}

func TestBus_SubscribeReplacesExistingID(t *testing.T) {
	b := NewBus[testEvent](zaptest.NewLogger(t))
	var calls int
	b.Subscribe("a", func(ctx context.Context, ev testEvent) { calls = 1 })
	b.Subscribe("a", func(ctx context.Context, ev testEvent) { calls = 2 })
	b.Emit(context.Background(), testEvent{Name: "x"})
	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, 2, calls)
}

func TestBus_LastRetainsMostRecentEvent(t *testing.T) {
	b := NewBus[testEvent](zaptest.NewLogger(t))
	_, ok := b.Last()
	assert.False(t, ok)

	b.Emit(context.Background(), testEvent{Name: "first"})
	b.Emit(context.Background(), testEvent{Name: "second"})

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, "second", last.Name)
}
