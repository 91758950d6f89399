package testutil

import (
	"context"
	"fmt"
	"sync"
)

// GatewayCall records one call into the FakeGateway.
type GatewayCall struct {
	Op    string
	Agent string
	Args  []any
}

// FakeGateway is an in-memory gateway.AgentGateway recording every call.
// Individual operations can be scripted to fail.
type FakeGateway struct {
	mu    sync.Mutex
	Calls []GatewayCall
	Fail  map[string]error // op name -> error
}

// NewFakeGateway creates an empty fake.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Fail: make(map[string]error)}
}

func (g *FakeGateway) record(op, agent string, args ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, GatewayCall{Op: op, Agent: agent, Args: args})
	return g.Fail[op]
}

func (g *FakeGateway) AddToAllowlist(_ context.Context, agent, boardUUID string, publicPort int) error {
	return g.record("addin_allowlist", agent, boardUUID, publicPort)
}

func (g *FakeGateway) RemoveFromAllowlist(_ context.Context, agent, boardUUID string, publicPort int) error {
	return g.record("remove_from_allowlist", agent, boardUUID, publicPort)
}

func (g *FakeGateway) EnableWebservice(_ context.Context, agent, boardDNS string, httpsPort, httpPort int, zone string) error {
	return g.record("enable_webservice", agent, boardDNS, httpsPort, httpPort, zone)
}

func (g *FakeGateway) DisableWebservice(_ context.Context, agent, boardDNS string) error {
	return g.record("disable_webservice", agent, boardDNS)
}

func (g *FakeGateway) AddRedirect(_ context.Context, agent, boardDNS, zone, dns string) error {
	return g.record("add_redirect", agent, boardDNS, zone, dns)
}

func (g *FakeGateway) RemoveRedirect(_ context.Context, agent, boardDNS, zone, dns string) error {
	return g.record("remove_redirect", agent, boardDNS, zone, dns)
}

func (g *FakeGateway) ReloadProxy(_ context.Context, agent string) error {
	return g.record("reload_proxy", agent)
}

func (g *FakeGateway) CreateTapInterface(_ context.Context, agent, networkPortUUID string, tcpPort int) error {
	return g.record("create_tap_interface", agent, networkPortUUID, tcpPort)
}

// OpCount returns how many times op was called.
func (g *FakeGateway) OpCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LastOp returns the most recent call to op.
func (g *FakeGateway) LastOp(op string) (GatewayCall, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.Calls) - 1; i >= 0; i-- {
		if g.Calls[i].Op == op {
			return g.Calls[i], nil
		}
	}
	return GatewayCall{}, fmt.Errorf("fakegateway: no call to %s", op)
}
