package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

// CreateBoard registers a new board row together with its location. The
// device itself shows up later through the onboarding handshake.
func (c *Coordinator) CreateBoard(b *model.Board, loc *model.Location) error {
	if b.UUID == "" {
		b.UUID = uuid.NewString()
	}
	b.Status = model.StatusRegistered
	if err := c.repo.CreateBoard(b, loc); err != nil {
		return err
	}
	c.logger.Printf("created board %s (%s)", b.UUID, b.Name)
	return nil
}

// UpdateBoard rewrites the mutable board fields.
func (c *Coordinator) UpdateBoard(b *model.Board) error {
	if err := c.repo.UpdateBoard(b); err != nil {
		return err
	}
	c.boards.Invalidate(b.UUID)
	return nil
}

// DestroyBoard wipes the device if reachable, then removes the board's
// cloud-side footprint: allowlist entries, public ports and finally the row
// itself (sessions, exposures and locations cascade). Cleanup keeps going
// past individual failures; everything that went wrong is reported together.
func (c *Coordinator) DestroyBoard(ctx context.Context, boardUUID string) error {
	board, err := c.boards.Get(boardUUID)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	if board.Online() && board.Agent != "" {
		if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, "DeviceFactoryReset", nil, ""); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("factory reset: %w", err))
		}
	}

	exposures, err := c.repo.ListExposedServices(boardUUID)
	if err != nil {
		return err
	}
	for _, e := range exposures {
		if board.Agent != "" {
			if err := c.agents.RemoveFromAllowlist(ctx, board.Agent, boardUUID, e.PublicPort); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		c.servicePorts.Release(e.PublicPort)
	}

	if err := c.repo.DestroyBoard(boardUUID); err != nil {
		return multierror.Append(errs, err).ErrorOrNil()
	}
	c.boards.Invalidate(boardUUID)
	c.logger.Printf("destroyed board %s", boardUUID)
	return errs.ErrorOrNil()
}

// ActionBoard dispatches one of the closed board actions.
func (c *Coordinator) ActionBoard(ctx context.Context, boardUUID, action string, params []any) (string, error) {
	if !model.IsValidBoardAction(action) {
		return "", fmt.Errorf("%q: %w", action, ErrInvalidBoardAction)
	}
	if _, err := c.onlineBoard(boardUUID); err != nil {
		return "", err
	}
	return c.disp.ExecuteOnBoard(ctx, boardUUID, action, params, "")
}
