// Package conductor exposes the conductor's bus surface: the procedures
// devices and wamp agents call, and the broker meta subscriptions driving
// session lifecycle.
package conductor

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/provision"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/registry"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/sessions"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// Server binds the conductor's components to the bus.
type Server struct {
	hostname  string
	repo      *state.Repo
	agents    *registry.AgentRegistry
	sessions  *sessions.Manager
	provision *provision.Service
	disp      *dispatcher.Dispatcher
	workflows *workflow.Coordinator
	bus       wampbus.Bus
	logger    *log.Logger
}

// New creates the Server.
func New(hostname string, repo *state.Repo, agents *registry.AgentRegistry,
	sess *sessions.Manager, prov *provision.Service, disp *dispatcher.Dispatcher,
	workflows *workflow.Coordinator, bus wampbus.Bus) *Server {
	return &Server{
		hostname:  hostname,
		repo:      repo,
		agents:    agents,
		sessions:  sess,
		provision: prov,
		disp:      disp,
		workflows: workflows,
		bus:       bus,
		logger:    log.New(os.Stderr, "[conductor] ", log.LstdFlags|log.Lmsgprefix),
	}
}

// Start registers the conductor row, the bus procedures and the meta
// subscriptions, and begins the agent liveness sweep.
func (s *Server) Start() error {
	if err := s.repo.RegisterConductor(s.hostname); err != nil {
		return fmt.Errorf("register conductor %s: %w", s.hostname, err)
	}

	procs := map[string]wampbus.CallHandler{
		wampbus.ConductorProc("registration"):        s.handleRegistration,
		wampbus.ConductorProc("connection"):          s.handleConnection,
		wampbus.ConductorProc("echo"):                s.handleEcho,
		wampbus.ConductorProc("notify_result"):       s.handleNotifyResult,
		wampbus.ConductorProc("wamp_agent_announce"): s.handleAgentAnnounce,
		wampbus.ConductorProc("wamp_agent_touch"):    s.handleAgentTouch,
	}
	for proc, handler := range procs {
		if err := s.bus.Register(proc, handler); err != nil {
			return fmt.Errorf("register %s: %w", proc, err)
		}
	}

	if err := s.bus.Subscribe(wampbus.TopicSessionOnJoin, s.onJoin); err != nil {
		return err
	}
	if err := s.bus.Subscribe(wampbus.TopicSessionOnLeave, s.onLeave); err != nil {
		return err
	}

	s.agents.Start()
	s.logger.Printf("conductor %s serving", s.hostname)
	return nil
}

// Stop deregisters the conductor, drains in-flight device calls and closes
// the bus. Called on SIGINT; a clean run returns nil so the process can
// exit 0.
func (s *Server) Stop(ctx context.Context) error {
	s.agents.Stop()
	if err := s.repo.DeregisterConductor(s.hostname); err != nil {
		s.logger.Printf("deregister: %v", err)
	}
	if err := s.disp.Drain(ctx); err != nil {
		s.logger.Printf("drain: %v", err)
	}
	return s.bus.Close()
}

// handleRegistration serves register(code, session_id), forwarded by the
// registration agent.
func (s *Server) handleRegistration(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 2 {
		return wampbus.Error("registration: want (code, session_id)"), nil
	}
	code, sessionID := fmt.Sprint(args[0]), fmt.Sprint(args[1])

	cfg, err := s.provision.Register(code, sessionID)
	if err != nil {
		s.logger.Printf("registration with code %q failed: %v", code, err)
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(cfg), nil
}

// handleEcho answers with its argument untouched. Agents and operators call
// it to check that the conductor is alive on the bus.
func (s *Server) handleEcho(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) == 0 {
		return wampbus.Success("echo"), nil
	}
	return wampbus.Success(args[0]), nil
}

// handleConnection serves the device handshake, then restores the board's
// exposed services.
func (s *Server) handleConnection(ctx context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 2 {
		return wampbus.Error("connection: want (board_uuid, session_id[, info])"), nil
	}
	boardUUID, sessionID := fmt.Sprint(args[0]), fmt.Sprint(args[1])
	var info map[string]any
	if len(args) > 2 {
		info = wampbus.Dict(args[2])
	}

	if err := s.sessions.Connection(boardUUID, sessionID, info); err != nil {
		s.logger.Printf("connection from board %s rejected: %v", boardUUID, err)
		return wampbus.Error(err.Error()), nil
	}
	if err := s.workflows.RestoreServicesOnBoard(ctx, boardUUID); err != nil {
		// The board is connected either way; tunnels catch up on retry.
		s.logger.Printf("restore services on board %s: %v", boardUUID, err)
	}
	return wampbus.Success(nil), nil
}

// handleNotifyResult records an asynchronous device outcome. Failures are
// logged, never thrown back to the bus: the device cannot act on them.
func (s *Server) handleNotifyResult(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 2 {
		return wampbus.Error("notify_result: want (board_uuid, message)"), nil
	}
	boardUUID := fmt.Sprint(args[0])
	if err := s.disp.NotifyResult(boardUUID, args[1]); err != nil {
		s.logger.Printf("notify_result from board %s: %v", boardUUID, err)
	}
	return wampbus.Success(nil), nil
}

// handleAgentAnnounce records a wamp agent coming up and reconciles the
// sessions it carried before restarting.
func (s *Server) handleAgentAnnounce(ctx context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 3 {
		return wampbus.Error("wamp_agent_announce: want (hostname, wsurl, ragent)"), nil
	}
	hostname, wsurl := fmt.Sprint(args[0]), fmt.Sprint(args[1])
	ragent, _ := args[2].(bool)

	if err := s.agents.Announce(hostname, wsurl, ragent); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	live, err := s.bus.SessionIDs(ctx)
	if err != nil {
		s.logger.Printf("session list after %s announce: %v", hostname, err)
		return wampbus.Success(nil), nil
	}
	if err := s.sessions.Reconcile(live, hostname); err != nil {
		s.logger.Printf("reconcile agent %s: %v", hostname, err)
	}
	return wampbus.Success(nil), nil
}

func (s *Server) handleAgentTouch(_ context.Context, args []any, _ map[string]any) (wampbus.Message, error) {
	if len(args) < 1 {
		return wampbus.Error("wamp_agent_touch: want (hostname)"), nil
	}
	if err := s.agents.Touch(fmt.Sprint(args[0])); err != nil {
		return wampbus.Error(err.Error()), nil
	}
	return wampbus.Success(nil), nil
}

// onJoin receives the broker's join meta event: args[0] is the session
// details dict.
func (s *Server) onJoin(args []any, _ map[string]any) {
	if len(args) == 0 {
		return
	}
	if details := wampbus.Dict(args[0]); details != nil {
		s.sessions.OnJoin(fmt.Sprint(details["session"]))
	}
}

// onLeave receives the broker's leave meta event: args[0] is the session id.
func (s *Server) onLeave(args []any, _ map[string]any) {
	if len(args) == 0 {
		return
	}
	s.sessions.OnLeave(fmt.Sprint(args[0]))
}
