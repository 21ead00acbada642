// Package events implements the typed, synchronous pub/sub used by every
// update-pipeline component. The source used an untyped event emitter
// ("any-shape" payloads); here each emitter owns one sum type of payloads
// (a Go interface with unexported tag methods implemented by concrete
// structs) and subscribers register typed handlers against a generic Bus.
//
// A failing subscriber is isolated and logged; per the external interface
// contract it is never retried and never prevents other subscribers from
// observing the same event.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one emitted event of type T.
type Handler[T any] func(ctx context.Context, event T)

type subscriber[T any] struct {
	id      string
	handler Handler[T]
}

// Bus is a synchronous, typed publish/subscribe dispatcher for one
// emitter's event sum type T.
type Bus[T any] struct {
	mu    sync.RWMutex
	subs  []subscriber[T]
	last  T
	haveL bool
	log   *zap.Logger
}

// NewBus constructs a Bus that logs subscriber panics/errors through log.
// A nil logger is replaced with zap.NewNop().
func NewBus[T any](log *zap.Logger) *Bus[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus[T]{log: log}
}

// Subscribe registers a named handler. Subscribing with an id already in
// use replaces the previous handler (last writer wins, matching the
// teacher's webhook-subscription-by-id replace semantics).
func (b *Bus[T]) Subscribe(id string, h Handler[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs[i].handler = h
			return
		}
	}
	b.subs = append(b.subs, subscriber[T]{id: id, handler: h})
}

// Unsubscribe removes a handler by id. Safe to call for an unknown id.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit dispatches event to every subscriber in registration order. Each
// handler is invoked under a recover guard: a panicking or otherwise
// misbehaving subscriber is logged and skipped, never aborting delivery to
// the remaining subscribers and never retried.
func (b *Bus[T]) Emit(ctx context.Context, event T) {
	b.mu.Lock()
	b.last = event
	b.haveL = true
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatchOne(ctx, s, event)
	}
}

func (b *Bus[T]) dispatchOne(ctx context.Context, s subscriber[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked",
				zap.String("subscriber_id", s.id),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(ctx, event)
}

// Last returns the most recently emitted event and whether one has ever
// been emitted. It is the "single retained-last-value accessor" that
// replaces stringly-typed eavesdropping on the bus.
func (b *Bus[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveL
}

// SubscriberCount reports the number of currently registered subscribers,
// useful in tests asserting isolation behavior.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LogHandlerError is a convenience a subscriber can call from inside its
// handler body to report a non-panic failure in the same shape a panic
// would produce, without aborting dispatch to other subscribers.
func LogHandlerError(log *zap.Logger, subscriberID string, err error) {
	if log == nil || err == nil {
		return
	}
	log.Error("event subscriber failed", zap.String("subscriber_id", subscriberID), zap.Error(err))
}
