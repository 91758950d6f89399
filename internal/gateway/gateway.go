// Package gateway is the conductor's client for the procedures a wamp
// agent exposes: proxy configuration, allowlist maintenance and tap
// interfaces. Every call targets one agent by hostname.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

// AgentGateway is what the workflow layer needs from agents. The production
// implementation calls over the bus; tests use a fake.
type AgentGateway interface {
	AddToAllowlist(ctx context.Context, agent, boardUUID string, publicPort int) error
	RemoveFromAllowlist(ctx context.Context, agent, boardUUID string, publicPort int) error
	EnableWebservice(ctx context.Context, agent, boardDNS string, httpsPort, httpPort int, zone string) error
	DisableWebservice(ctx context.Context, agent, boardDNS string) error
	AddRedirect(ctx context.Context, agent, boardDNS, zone, dns string) error
	RemoveRedirect(ctx context.Context, agent, boardDNS, zone, dns string) error
	ReloadProxy(ctx context.Context, agent string) error
	CreateTapInterface(ctx context.Context, agent, networkPortUUID string, tcpPort int) error
}

// Gateway calls agent procedures over the bus.
type Gateway struct {
	bus    wampbus.Bus
	logger *log.Logger
}

// New creates a Gateway.
func New(bus wampbus.Bus) *Gateway {
	return &Gateway{
		bus:    bus,
		logger: log.New(os.Stderr, "[gateway] ", log.LstdFlags|log.Lmsgprefix),
	}
}

// call invokes proc on one agent and folds the reply envelope into an
// error. A WARNING from the agent is logged and treated as success.
func (g *Gateway) call(ctx context.Context, agent, proc string, args ...any) error {
	msg, err := g.bus.Call(ctx, dispatcher.AgentProc(agent, proc), args, nil)
	if err != nil {
		return fmt.Errorf("agent %s: %s: %w", agent, proc, err)
	}
	switch msg.Result {
	case model.ResultError:
		return fmt.Errorf("agent %s: %s: %s", agent, proc, msg.Text())
	case model.ResultWarning:
		g.logger.Printf("agent %s: %s warned: %s", agent, proc, msg.Text())
	}
	return nil
}

func (g *Gateway) AddToAllowlist(ctx context.Context, agent, boardUUID string, publicPort int) error {
	return g.call(ctx, agent, "addin_allowlist", boardUUID, publicPort)
}

func (g *Gateway) RemoveFromAllowlist(ctx context.Context, agent, boardUUID string, publicPort int) error {
	return g.call(ctx, agent, "remove_from_allowlist", boardUUID, publicPort)
}

func (g *Gateway) EnableWebservice(ctx context.Context, agent, boardDNS string, httpsPort, httpPort int, zone string) error {
	return g.call(ctx, agent, "enable_webservice", boardDNS, httpsPort, httpPort, zone)
}

func (g *Gateway) DisableWebservice(ctx context.Context, agent, boardDNS string) error {
	return g.call(ctx, agent, "disable_webservice", boardDNS)
}

func (g *Gateway) AddRedirect(ctx context.Context, agent, boardDNS, zone, dns string) error {
	return g.call(ctx, agent, "add_redirect", boardDNS, zone, dns)
}

func (g *Gateway) RemoveRedirect(ctx context.Context, agent, boardDNS, zone, dns string) error {
	return g.call(ctx, agent, "remove_redirect", boardDNS, zone, dns)
}

func (g *Gateway) ReloadProxy(ctx context.Context, agent string) error {
	return g.call(ctx, agent, "reload_proxy")
}

func (g *Gateway) CreateTapInterface(ctx context.Context, agent, networkPortUUID string, tcpPort int) error {
	return g.call(ctx, agent, "create_tap_interface", networkPortUUID, tcpPort)
}
