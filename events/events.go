// Package events lets host code observe messages that failed in a subscriber.
//
// A Bus is created by the host and handed to the consumer; every listener
// registered on it is called synchronously, in registration order, whenever a
// subscriber returns an error. The message is acknowledged afterwards either way.
package events

import (
	"errors"
	"fmt"
	"sync"
)

// ConsumeFailed is the name of the event emitted for failed messages.
const ConsumeFailed = "consume_failed"

// ErrInvalidListener is returned when a listener has the wrong shape.
var ErrInvalidListener = errors.New("events: invalid consume-failed listener")

// FailureContext describes the message a subscriber failed on.
type FailureContext struct {
	Exchange string
	Queue    string
	Payload  string
}

// Map returns the context as a key/value mapping with the keys "exchange",
// "queue" and "payload".
func (fc FailureContext) Map() map[string]any {
	return map[string]any{
		"exchange": fc.Exchange,
		"queue":    fc.Queue,
		"payload":  fc.Payload,
	}
}

// LogAttrs returns the context as slog key/value pairs.
func (fc FailureContext) LogAttrs() []any {
	return []any{"exchange", fc.Exchange, "queue", fc.Queue, "payload", fc.Payload}
}

// Listener observes consume failures.
type Listener interface {
	OnConsumeFailed(err error, fc FailureContext)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(err error, fc FailureContext)

// OnConsumeFailed implements Listener.
func (f ListenerFunc) OnConsumeFailed(err error, fc FailureContext) {
	f(err, fc)
}

// Bus dispatches consume failures to listeners. The zero value is ready to use.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// RegisterConsumeFailedListener adds a listener. It accepts a Listener, a
// func(error, FailureContext) or a func(error, map[string]any); anything else,
// nil included, is rejected here rather than when an event fires.
func (b *Bus) RegisterConsumeFailedListener(listener any) error {
	var l Listener
	switch fn := listener.(type) {
	case nil:
		return fmt.Errorf("%w: listener is nil", ErrInvalidListener)
	case func(error, map[string]any):
		if fn == nil {
			return fmt.Errorf("%w: listener is nil", ErrInvalidListener)
		}
		l = ListenerFunc(func(err error, fc FailureContext) { fn(err, fc.Map()) })
	case func(error, FailureContext):
		if fn == nil {
			return fmt.Errorf("%w: listener is nil", ErrInvalidListener)
		}
		l = ListenerFunc(fn)
	case ListenerFunc:
		if fn == nil {
			return fmt.Errorf("%w: listener is nil", ErrInvalidListener)
		}
		l = fn
	case Listener:
		l = fn
	default:
		return fmt.Errorf("%w: expected func(error, map[string]any), got %T", ErrInvalidListener, listener)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
	return nil
}

// EmitConsumeFailed calls every listener with err and fc. Listener panics are
// not recovered.
func (b *Bus) EmitConsumeFailed(err error, fc FailureContext) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l.OnConsumeFailed(err, fc)
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
