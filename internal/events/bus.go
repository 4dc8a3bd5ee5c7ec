package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event. A returned error is logged by the bus.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans relay events out to named subscribers. Emit never blocks the
// relay loop: each handler runs on its own goroutine.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	stopped  bool
	inflight sync.WaitGroup
	logger   zerolog.Logger
}

type subscriber struct {
	name string
	fn   HandlerFunc
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscriber),
		logger:   log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler for one event type under name.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], subscriber{name: name, fn: handler})
	eb.logger.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed")
}

// SubscribeAll registers handler for every type in AllEventTypes.
func (eb *EventBus) SubscribeAll(name string, handler HandlerFunc) {
	for _, t := range AllEventTypes {
		eb.Subscribe(t, name, handler)
	}
}

// Unsubscribe removes the named handler from one event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.remove(eventType, name)
}

// UnsubscribeAll removes the named handler from every event type.
func (eb *EventBus) UnsubscribeAll(name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for t := range eb.handlers {
		eb.remove(t, name)
	}
}

func (eb *EventBus) remove(eventType EventType, name string) {
	subs := eb.handlers[eventType]
	kept := subs[:0:0]
	for _, s := range subs {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(eb.handlers, eventType)
		return
	}
	eb.handlers[eventType] = kept
}

// subscribers returns a copy of the handlers for t, or nil once stopped.
func (eb *EventBus) subscribers(t EventType) []subscriber {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped {
		return nil
	}
	return append([]subscriber(nil), eb.handlers[t]...)
}

// Emit delivers event to its subscribers asynchronously. A nil bus discards
// the event.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	// Add under the read lock so Stop cannot miss a handler about to start.
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped {
		return
	}
	subs := eb.handlers[event.Type]
	if len(subs) == 0 {
		return
	}

	eb.logger.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emit")

	eb.inflight.Add(len(subs))
	for _, s := range subs {
		go func(s subscriber) {
			defer eb.inflight.Done()
			eb.dispatch(ctx, s, event)
		}(s)
	}
}

// EmitSync delivers event and waits for every handler. It returns the first
// handler error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if eb == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	subs := eb.subscribers(event.Type)
	errs := make(chan error, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		go func(s subscriber) {
			defer wg.Done()
			if err := eb.dispatch(ctx, s, event); err != nil {
				errs <- err
			}
		}(s)
	}
	wg.Wait()
	close(errs)

	return <-errs
}

// dispatch runs one handler, logging its error and recovering a panic.
func (eb *EventBus) dispatch(ctx context.Context, s subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.fn(ctx, event); err != nil {
		eb.logger.Warn().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler failed")
	}
	return err
}

// Stop rejects further events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	eb.mu.Unlock()

	eb.inflight.Wait()
	eb.logger.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for eventType.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
