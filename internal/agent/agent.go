// Package agent implements the wamp agent: the broker-side process carrying
// device sessions. It forwards conductor RPCs to devices, maintains the
// reverse proxy and the tunnel allowlist, and wires tap interfaces.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/allowlist"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/nginx"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

// TapFunc attaches a tap interface bridged to a local TCP port.
type TapFunc func(ctx context.Context, networkPortUUID string, tcpPort int) error

// Server is one wamp agent.
type Server struct {
	hostname  string
	wsurl     string
	ragent    bool
	heartbeat time.Duration

	bus   wampbus.Bus
	proxy *nginx.Manager
	allow *allowlist.Store
	tap   TapFunc

	logger *log.Logger

	mu      sync.Mutex
	stopped chan struct{}
}

// New creates a Server. wsurl is the address boards use to reach this
// agent's broker endpoint; ragent marks the registration agent.
func New(hostname, wsurl string, ragent bool, heartbeat time.Duration,
	bus wampbus.Bus, proxy *nginx.Manager, allow *allowlist.Store) *Server {
	return &Server{
		hostname:  hostname,
		wsurl:     wsurl,
		ragent:    ragent,
		heartbeat: heartbeat,
		bus:       bus,
		proxy:     proxy,
		allow:     allow,
		tap:       socatTap,
		logger:    log.New(os.Stderr, "[agent] ", log.LstdFlags|log.Lmsgprefix),
		stopped:   make(chan struct{}),
	}
}

// SetTapFunc replaces the tap plumbing. Tests use this.
func (s *Server) SetTapFunc(fn TapFunc) { s.tap = fn }

// Register exposes the agent's procedures on the bus. The registration
// agent additionally publishes the global onboarding procedure.
func (s *Server) Register() error {
	procs := map[string]wampbus.CallHandler{
		"invoke_wamp":           s.handleInvokeWAMP,
		"create_tap_interface":  s.handleCreateTap,
		"addin_allowlist":       s.handleAllowlistAdd,
		"remove_from_allowlist": s.handleAllowlistRemove,
		"enable_webservice":     s.handleEnableWebservice,
		"disable_webservice":    s.handleDisableWebservice,
		"add_redirect":          s.handleAddRedirect,
		"remove_redirect":       s.handleRemoveRedirect,
		"reload_proxy":          s.handleReloadProxy,
	}
	for name, handler := range procs {
		if err := s.bus.Register(dispatcher.AgentProc(s.hostname, name), handler); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	if s.ragent {
		if err := s.bus.Register(wampbus.ProcRegister, s.handleRegister); err != nil {
			return fmt.Errorf("register %s: %w", wampbus.ProcRegister, err)
		}
	}
	return nil
}

// Announce tells the conductor this agent is up. Meant to run on every
// broker (re)connect: the conductor reconciles this agent's sessions in
// response.
func (s *Server) Announce(ctx context.Context) error {
	msg, err := s.bus.Call(ctx, wampbus.ConductorProc("wamp_agent_announce"),
		[]any{s.hostname, s.wsurl, s.ragent}, nil)
	if err != nil {
		return err
	}
	if !msg.Result.Terminal() {
		return fmt.Errorf("announce: unexpected reply %+v", msg)
	}
	s.logger.Printf("announced %s (ragent=%v) to the conductor", s.hostname, s.ragent)
	return nil
}

// RunHeartbeat touches the conductor's registry until ctx ends.
func (s *Server) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			if _, err := s.bus.Call(ctx, wampbus.ConductorProc("wamp_agent_touch"),
				[]any{s.hostname}, nil); err != nil {
				s.logger.Printf("heartbeat: %v", err)
			}
		}
	}
}

// Stop ends the heartbeat loop.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

// handleInvokeWAMP relays a conductor call to a device: args[0] is the
// fully qualified device URI, the rest are the call's arguments. The
// device's reply envelope travels back unchanged.
func (s *Server) handleInvokeWAMP(ctx context.Context, args []any, kwargs map[string]any) (wampbus.Message, error) {
	if len(args) < 1 {
		return wampbus.Error("invoke_wamp: missing device uri"), nil
	}
	uri := fmt.Sprint(args[0])
	msg, err := s.bus.Call(ctx, uri, args[1:], kwargs)
	if err != nil {
		return wampbus.Error(fmt.Sprintf("device call %s: %v", uri, err)), nil
	}
	return msg, nil
}

// handleRegister forwards the onboarding handshake to the conductor.
func (s *Server) handleRegister(ctx context.Context, args []any, kwargs map[string]any) (wampbus.Message, error) {
	msg, err := s.bus.Call(ctx, wampbus.ConductorProc("registration"), args, kwargs)
	if err != nil {
		return wampbus.Error(fmt.Sprintf("registration: %v", err)), nil
	}
	return msg, nil
}

func (s *Server) handleCreateTap(ctx context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 2 {
		return wampbus.Error("create_tap_interface: want (network_port_uuid, tcp_port)"), nil
	}
	port, err := intArg(args[1])
	if err != nil {
		return wampbus.Error(err.Error()), nil
	}
	if err := s.tap(ctx, fmt.Sprint(args[0]), port); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleAllowlistAdd(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	boardUUID, port, err := allowlistArgs(args)
	if err != nil {
		return wampbus.Error(err.Error()), nil
	}
	if err := s.allow.Add(boardUUID, port); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleAllowlistRemove(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	boardUUID, port, err := allowlistArgs(args)
	if err != nil {
		return wampbus.Error(err.Error()), nil
	}
	if err := s.allow.Remove(boardUUID, port); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleEnableWebservice(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 4 {
		return wampbus.Error("enable_webservice: want (dns, https_port, http_port, zone)"), nil
	}
	httpsPort, err := intArg(args[1])
	if err != nil {
		return wampbus.Error(err.Error()), nil
	}
	httpPort, err := intArg(args[2])
	if err != nil {
		return wampbus.Error(err.Error()), nil
	}
	if err := s.proxy.EnableWebservice(fmt.Sprint(args[0]), httpsPort, httpPort, fmt.Sprint(args[3])); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleDisableWebservice(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 1 {
		return wampbus.Error("disable_webservice: want (dns)"), nil
	}
	if err := s.proxy.DisableWebservice(fmt.Sprint(args[0])); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleAddRedirect(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	boardDNS, zone, dns, err := redirectArgs(args)
	if err != nil {
		return wampbus.Error(err.Error()), nil
	}
	if err := s.proxy.AddRedirect(boardDNS, zone, dns); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleRemoveRedirect(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	boardDNS, zone, dns, err := redirectArgs(args)
	if err != nil {
		return wampbus.Error(err.Error()), nil
	}
	if err := s.proxy.RemoveRedirect(boardDNS, zone, dns); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleReloadProxy(ctx context.Context, _ []any, _ map[string]any) (wampbus.Message, error) {
	if err := s.proxy.Reload(ctx); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

func allowlistArgs(args []any) (string, int, error) {
	if len(args) < 2 {
		return "", 0, fmt.Errorf("want (board_uuid, port)")
	}
	port, err := intArg(args[1])
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprint(args[0]), port, nil
}

func redirectArgs(args []any) (string, string, string, error) {
	if len(args) < 2 {
		return "", "", "", fmt.Errorf("want (board_dns, zone[, dns])")
	}
	dns := ""
	if len(args) > 2 {
		dns = fmt.Sprint(args[2])
	}
	return fmt.Sprint(args[0]), fmt.Sprint(args[1]), dns, nil
}

// intArg accepts the integer shapes WAMP serializers produce.
func intArg(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a port number: %v (%T)", v, v)
	}
}

// socatTap bridges a local tap interface to the board's VIF transport port.
func socatTap(ctx context.Context, networkPortUUID string, tcpPort int) error {
	tapName := "tap" + strconv.Itoa(tcpPort)
	cmd := exec.CommandContext(ctx, "socat",
		fmt.Sprintf("TCP-LISTEN:%d,reuseaddr,forever", tcpPort),
		fmt.Sprintf("TUN,tun-type=tap,tun-name=%s,up", tapName))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tap %s for port %s: %w", tapName, networkPortUUID, err)
	}
	go cmd.Wait()
	return nil
}
