// Package testutil provides shared fakes for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

// BusCall records one outbound Call made through the FakeBus.
type BusCall struct {
	Procedure string
	Args      []any
	Kwargs    map[string]any
}

// FakeBus is an in-memory wampbus.Bus: outbound calls are served by scripted
// handlers and recorded, inbound registrations/subscriptions can be driven
// from the test.
type FakeBus struct {
	mu            sync.Mutex
	handlers      map[string]func(args []any, kwargs map[string]any) (wampbus.Message, error)
	registrations map[string]wampbus.CallHandler
	subscriptions map[string]wampbus.EventHandler

	Calls    []BusCall
	Sessions []string
	Down     bool
}

// NewFakeBus creates an empty fake.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		handlers:      make(map[string]func([]any, map[string]any) (wampbus.Message, error)),
		registrations: make(map[string]wampbus.CallHandler),
		subscriptions: make(map[string]wampbus.EventHandler),
	}
}

// Handle scripts the response for an outbound procedure.
func (b *FakeBus) Handle(procedure string, fn func(args []any, kwargs map[string]any) (wampbus.Message, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[procedure] = fn
}

// Reply scripts a fixed response for an outbound procedure.
func (b *FakeBus) Reply(procedure string, msg wampbus.Message) {
	b.Handle(procedure, func([]any, map[string]any) (wampbus.Message, error) {
		return msg, nil
	})
}

// Call implements wampbus.Bus.
func (b *FakeBus) Call(_ context.Context, procedure string, args []any, kwargs map[string]any) (wampbus.Message, error) {
	b.mu.Lock()
	if b.Down {
		b.mu.Unlock()
		return wampbus.Message{}, wampbus.ErrNotConnected
	}
	b.Calls = append(b.Calls, BusCall{Procedure: procedure, Args: args, Kwargs: kwargs})
	fn := b.handlers[procedure]
	b.mu.Unlock()

	if fn == nil {
		return wampbus.Success(nil), nil
	}
	return fn(args, kwargs)
}

// Register implements wampbus.Bus.
func (b *FakeBus) Register(procedure string, handler wampbus.CallHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registrations[procedure] = handler
	return nil
}

// Subscribe implements wampbus.Bus.
func (b *FakeBus) Subscribe(topic string, handler wampbus.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[topic] = handler
	return nil
}

// SessionIDs implements wampbus.Bus.
func (b *FakeBus) SessionIDs(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Down {
		return nil, wampbus.ErrNotConnected
	}
	return append([]string{}, b.Sessions...), nil
}

// Connected implements wampbus.Bus.
func (b *FakeBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.Down
}

// Close implements wampbus.Bus.
func (b *FakeBus) Close() error { return nil }

// Invoke drives a procedure registered on the fake, as the broker would.
func (b *FakeBus) Invoke(ctx context.Context, procedure string, args []any, kwargs map[string]any) (wampbus.Message, error) {
	b.mu.Lock()
	handler := b.registrations[procedure]
	b.mu.Unlock()
	if handler == nil {
		return wampbus.Message{}, fmt.Errorf("fakebus: no registration for %s", procedure)
	}
	return handler(ctx, args, kwargs)
}

// Emit delivers an event to a subscribed topic handler.
func (b *FakeBus) Emit(topic string, args []any, kwargs map[string]any) error {
	b.mu.Lock()
	handler := b.subscriptions[topic]
	b.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("fakebus: no subscription for %s", topic)
	}
	handler(args, kwargs)
	return nil
}

// CallCount returns the number of outbound calls to a procedure.
func (b *FakeBus) CallCount(procedure string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.Calls {
		if c.Procedure == procedure {
			n++
		}
	}
	return n
}

// LastCall returns the most recent outbound call to a procedure.
func (b *FakeBus) LastCall(procedure string) (BusCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.Calls) - 1; i >= 0; i-- {
		if b.Calls[i].Procedure == procedure {
			return b.Calls[i], true
		}
	}
	return BusCall{}, false
}
