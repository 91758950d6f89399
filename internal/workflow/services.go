package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

// CreateService stores a service definition. Local only; nothing reaches a
// device until the service is enabled on a board.
func (c *Coordinator) CreateService(s *model.Service) error {
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	return c.repo.CreateService(s)
}

// UpdateService rewrites a service definition.
func (c *Coordinator) UpdateService(s *model.Service) error {
	return c.repo.UpdateService(s)
}

// DestroyService deletes a service definition.
func (c *Coordinator) DestroyService(identity string) error {
	return c.repo.DestroyService(identity)
}

// ActionService runs one of the closed service actions against a board.
func (c *Coordinator) ActionService(ctx context.Context, serviceIdentity, boardUUID, action string) (string, error) {
	if !model.IsValidServiceAction(action) {
		return "", fmt.Errorf("%q: %w", action, ErrInvalidServiceAction)
	}
	board, err := c.onlineBoard(boardUUID)
	if err != nil {
		return "", err
	}
	service, err := c.repo.GetService(serviceIdentity)
	if err != nil {
		return "", err
	}

	switch action {
	case model.ServiceEnable:
		return c.enableService(ctx, board, service)
	case model.ServiceDisable:
		return c.disableService(ctx, board, service)
	default:
		return c.restoreService(ctx, board, service)
	}
}

// enableService claims a public port, opens the tunnel path on the agent and
// tells the device to connect. The ExposedService row lands only after the
// device confirmed; a failed step releases the port again.
func (c *Coordinator) enableService(ctx context.Context, board *model.Board, service *model.Service) (string, error) {
	if _, err := c.repo.GetExposedService(board.UUID, service.UUID); err == nil {
		return "", fmt.Errorf("service %s on board %s: %w", service.UUID, board.UUID, state.ErrServiceAlreadyExposed)
	} else if !errors.Is(err, state.ErrNotFound) {
		return "", err
	}

	port, err := c.allocateServicePort()
	if err != nil {
		return "", err
	}
	if err := c.agents.AddToAllowlist(ctx, board.Agent, board.UUID, port); err != nil {
		c.servicePorts.Release(port)
		return "", err
	}

	msg, err := c.disp.ExecuteOnBoard(ctx, board.UUID, model.ServiceEnable, []any{service.Name, port}, "")
	if err != nil {
		c.servicePorts.Release(port)
		return "", err
	}
	if err := c.repo.CreateExposedService(&model.ExposedService{
		BoardUUID:   board.UUID,
		ServiceUUID: service.UUID,
		PublicPort:  port,
	}); err != nil {
		return "", err
	}
	c.logger.Printf("service %s enabled on board %s, public port %d", service.Name, board.UUID, port)
	return msg, nil
}

func (c *Coordinator) disableService(ctx context.Context, board *model.Board, service *model.Service) (string, error) {
	exposure, err := c.repo.GetExposedService(board.UUID, service.UUID)
	if err != nil {
		return "", err
	}

	msg, err := c.disp.ExecuteOnBoard(ctx, board.UUID, model.ServiceDisable, []any{service.Name}, "")
	if err != nil {
		return "", err
	}
	// The row goes first; the port returns to the pool only once nothing in
	// the database claims it anymore.
	if err := c.repo.DeleteExposedService(board.UUID, service.UUID); err != nil {
		return "", err
	}
	c.servicePorts.Release(exposure.PublicPort)
	if err := c.agents.RemoveFromAllowlist(ctx, board.Agent, board.UUID, exposure.PublicPort); err != nil {
		return "", err
	}
	c.logger.Printf("service %s disabled on board %s, released port %d", service.Name, board.UUID, exposure.PublicPort)
	return msg, nil
}

func (c *Coordinator) restoreService(ctx context.Context, board *model.Board, service *model.Service) (string, error) {
	exposure, err := c.repo.GetExposedService(board.UUID, service.UUID)
	if err != nil {
		return "", err
	}
	return c.disp.ExecuteOnBoard(ctx, board.UUID, model.ServiceRestore, []any{service.Name, exposure.PublicPort}, "")
}

// RestoreServicesOnBoard re-dispatches ServiceRestore for every exposure of
// a board, typically after the device reconnects.
func (c *Coordinator) RestoreServicesOnBoard(ctx context.Context, boardUUID string) error {
	board, err := c.onlineBoard(boardUUID)
	if err != nil {
		return err
	}
	exposures, err := c.repo.ListExposedServices(boardUUID)
	if err != nil {
		return err
	}
	for _, e := range exposures {
		service, err := c.repo.GetService(e.ServiceUUID)
		if err != nil {
			return err
		}
		if _, err := c.disp.ExecuteOnBoard(ctx, board.UUID, model.ServiceRestore, []any{service.Name, e.PublicPort}, ""); err != nil {
			return err
		}
	}
	return nil
}
