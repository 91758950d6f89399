// Package workflow composes the dispatcher, the repositories and the agent
// gateway into the operator-visible operations. Multi-step device calls are
// bracketed by a parent Request whose pending counter equals the number of
// expected terminal notifications.
package workflow

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dnsprovider"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/gateway"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/portpool"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/vnet"
)

// Coordinator runs the workflows. It owns the two port pools: the service
// pool for public tunnel ports and the socat pool for VIF transport ports.
type Coordinator struct {
	repo   *state.Repo
	boards *state.BoardCache
	disp   *dispatcher.Dispatcher
	agents gateway.AgentGateway
	dns    dnsprovider.Provider
	vnet   vnet.Controller

	servicePorts *portpool.Allocator
	socatPorts   *portpool.Allocator

	publicIP string // address webservice DNS records point at

	// socat ports are not persisted; the live mapping from network port to
	// transport port exists only here.
	socatMu     sync.Mutex
	socatByPort map[string]int

	logger *log.Logger
}

// Options carries the Coordinator's collaborators.
type Options struct {
	Repo         *state.Repo
	Boards       *state.BoardCache
	Dispatcher   *dispatcher.Dispatcher
	Agents       gateway.AgentGateway
	DNS          dnsprovider.Provider
	VNet         vnet.Controller
	ServicePorts *portpool.Allocator
	SocatPorts   *portpool.Allocator
	PublicIP     string
}

// New creates a Coordinator and warms the service pool with the ports
// already claimed by ExposedService rows.
func New(opts Options) (*Coordinator, error) {
	c := &Coordinator{
		repo:         opts.Repo,
		boards:       opts.Boards,
		disp:         opts.Dispatcher,
		agents:       opts.Agents,
		dns:          opts.DNS,
		vnet:         opts.VNet,
		servicePorts: opts.ServicePorts,
		socatPorts:   opts.SocatPorts,
		publicIP:     opts.PublicIP,
		socatByPort:  make(map[string]int),
		logger:       log.New(os.Stderr, "[workflow] ", log.LstdFlags|log.Lmsgprefix),
	}
	ports, err := c.repo.AllPublicPorts()
	if err != nil {
		return nil, fmt.Errorf("warm service port pool: %w", err)
	}
	c.servicePorts.Warm(ports)
	return c, nil
}

// onlineBoard loads a board and checks it can receive device calls.
func (c *Coordinator) onlineBoard(boardUUID string) (*model.Board, error) {
	board, err := c.boards.Get(boardUUID)
	if err != nil {
		return nil, err
	}
	if !board.Online() {
		return nil, fmt.Errorf("board %s: %w", boardUUID, dispatcher.ErrBoardNotConnected)
	}
	if board.Agent == "" {
		return nil, fmt.Errorf("board %s: %w", boardUUID, ErrBoardInvalidStatus)
	}
	return board, nil
}

// createParent persists the bracketing Request for a multi-step workflow.
// A zero-pending parent is born COMPLETED: no child will ever settle it.
func (c *Coordinator) createParent(board *model.Board, action string, pending int) (*model.Request, error) {
	status := model.RequestPending
	if pending == 0 {
		status = model.RequestCompleted
	}
	req := &model.Request{
		UUID:            uuid.NewString(),
		DestinationUUID: board.UUID,
		PendingRequests: pending,
		Status:          status,
		Project:         board.Project,
		Type:            model.RequestTypeBoard,
		Action:          action,
	}
	if err := c.repo.CreateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// allocateServicePort translates pool exhaustion into the workflow error.
func (c *Coordinator) allocateServicePort() (int, error) {
	port, err := c.servicePorts.Allocate()
	if errors.Is(err, portpool.ErrExhausted) {
		return 0, ErrNotEnoughPortForService
	}
	return port, err
}
