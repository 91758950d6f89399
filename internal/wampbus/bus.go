package wampbus

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Call while the broker link is down.
var ErrNotConnected = errors.New("wampbus: not connected to broker")

// CallHandler serves an inbound RPC registered on the bus.
type CallHandler func(ctx context.Context, args []any, kwargs map[string]any) (Message, error)

// EventHandler consumes a broker event (session meta events and the like).
type EventHandler func(args []any, kwargs map[string]any)

// Bus is the conductor's view of the broker. The production implementation
// is the nexus client; tests plug in a fake.
type Bus interface {
	// Call invokes a remote procedure and decodes the response envelope.
	Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) (Message, error)

	// Register exposes an inbound procedure. Registrations survive
	// reconnects: they are replayed on every new broker session.
	Register(procedure string, handler CallHandler) error

	// Subscribe attaches a handler to a topic, including the broker's
	// session meta topics. Subscriptions are replayed on reconnect.
	Subscribe(topic string, handler EventHandler) error

	// SessionIDs lists the ids of the sessions currently attached to the
	// realm (the broker's session registry).
	SessionIDs(ctx context.Context) ([]string, error)

	// Connected reports whether a broker session is currently live.
	Connected() bool

	// Close shuts the broker link down for good.
	Close() error
}

// Broker meta topics and procedures (WAMP meta API).
const (
	TopicSessionOnJoin  = "wamp.session.on_join"
	TopicSessionOnLeave = "wamp.session.on_leave"
	ProcSessionList     = "wamp.session.list"
)

// ProcRegister is the device-facing onboarding procedure, published by the
// registration agent and forwarded to the conductor.
const ProcRegister = "s4t.register"

// ConductorProc builds the URI of a procedure exposed by the conductor.
func ConductorProc(name string) string {
	return "s4t.conductor." + name
}
