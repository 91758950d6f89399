package workflow

import (
	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

// CreateFleet stores a fleet. Duplicate names are rejected.
func (c *Coordinator) CreateFleet(f *model.Fleet) error {
	if f.UUID == "" {
		f.UUID = uuid.NewString()
	}
	return c.repo.CreateFleet(f)
}

// UpdateFleet rewrites the mutable fleet fields.
func (c *Coordinator) UpdateFleet(f *model.Fleet) error {
	return c.repo.UpdateFleet(f)
}

// DestroyFleet deletes the fleet; member boards are detached, not deleted.
func (c *Coordinator) DestroyFleet(identity string) error {
	return c.repo.DestroyFleet(identity)
}

// AssignBoardToFleet moves a board into a fleet (empty fleet uuid detaches).
func (c *Coordinator) AssignBoardToFleet(boardUUID, fleetUUID string) error {
	board, err := c.repo.GetBoardByUUID(boardUUID)
	if err != nil {
		return err
	}
	if fleetUUID != "" {
		if _, err := c.repo.GetFleet(fleetUUID); err != nil {
			return err
		}
	}
	board.Fleet = fleetUUID
	if err := c.repo.UpdateBoard(board); err != nil {
		return err
	}
	c.boards.Invalidate(boardUUID)
	return nil
}
