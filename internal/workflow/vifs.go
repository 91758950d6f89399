package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/portpool"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/vnet"
)

// CreatePortOnBoard attaches a virtual network interface to a board: a
// network port at the controller, a socat transport port, the device-side
// VIF and the agent-side tap interface.
func (c *Coordinator) CreatePortOnBoard(ctx context.Context, boardUUID, networkUUID, subnetUUID string) (*model.Port, error) {
	board, err := c.onlineBoard(boardUUID)
	if err != nil {
		return nil, err
	}

	tcpPort, err := c.socatPorts.Allocate()
	if errors.Is(err, portpool.ErrExhausted) {
		return nil, fmt.Errorf("socat pool: %w", ErrNotEnoughPortForService)
	}
	if err != nil {
		return nil, err
	}

	netPort, err := c.vnet.CreatePort(ctx, networkUUID, subnetUUID)
	if err != nil {
		c.socatPorts.Release(tcpPort)
		return nil, err
	}
	prefixLen, err := c.vnet.SubnetPrefixLen(ctx, netPort.SubnetUUID)
	if err != nil {
		c.releaseNetworkPort(ctx, netPort.UUID, tcpPort)
		return nil, err
	}

	if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, "Create_VIF", []any{tcpPort}, ""); err != nil {
		c.releaseNetworkPort(ctx, netPort.UUID, tcpPort)
		return nil, err
	}
	if err := c.agents.CreateTapInterface(ctx, board.Agent, netPort.UUID, tcpPort); err != nil {
		c.releaseNetworkPort(ctx, netPort.UUID, tcpPort)
		return nil, err
	}

	vifName := fmt.Sprintf("vif%d", tcpPort)
	port := &model.Port{
		UUID:      netPort.UUID,
		BoardUUID: boardUUID,
		VIFName:   vifName,
		MACAddr:   netPort.MACAddr,
		IP:        netPort.IP,
		Network:   netPort.NetworkUUID,
	}
	if err := c.repo.CreatePort(port); err != nil {
		c.releaseNetworkPort(ctx, netPort.UUID, tcpPort)
		return nil, err
	}

	portDesc := map[string]any{
		"uuid":     port.UUID,
		"vif_name": vifName,
		"mac_addr": port.MACAddr,
		"ip":       port.IP,
	}
	if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, "Configure_VIF", []any{portDesc, prefixLen}, ""); err != nil {
		return nil, err
	}

	c.socatMu.Lock()
	c.socatByPort[port.UUID] = tcpPort
	c.socatMu.Unlock()

	c.logger.Printf("attached port %s (%s) to board %s via tcp %d", port.UUID, port.IP, boardUUID, tcpPort)
	return port, nil
}

// RemoveVIFFromBoard reverses CreatePortOnBoard: device VIF, socat port,
// controller port, row. Offline boards skip the device call.
func (c *Coordinator) RemoveVIFFromBoard(ctx context.Context, boardUUID, portUUID string) error {
	port, err := c.repo.GetPort(portUUID)
	if err != nil {
		return err
	}
	if port.BoardUUID != boardUUID {
		return fmt.Errorf("port %s is not attached to board %s", portUUID, boardUUID)
	}
	board, err := c.boards.Get(boardUUID)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	if board.Online() && board.Agent != "" {
		if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, "Remove_VIF", []any{port.VIFName}, ""); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	c.socatMu.Lock()
	if tcpPort, ok := c.socatByPort[portUUID]; ok {
		c.socatPorts.Release(tcpPort)
		delete(c.socatByPort, portUUID)
	}
	c.socatMu.Unlock()

	if err := c.vnet.DeletePort(ctx, portUUID); err != nil && !errors.Is(err, vnet.ErrNotFound) {
		errs = multierror.Append(errs, err)
	}
	if err := c.repo.DeletePort(portUUID); err != nil {
		errs = multierror.Append(errs, err)
	}
	c.logger.Printf("detached port %s from board %s", portUUID, boardUUID)
	return errs.ErrorOrNil()
}

// releaseNetworkPort undoes a half-built attachment.
func (c *Coordinator) releaseNetworkPort(ctx context.Context, netPortUUID string, tcpPort int) {
	c.socatPorts.Release(tcpPort)
	if err := c.vnet.DeletePort(ctx, netPortUUID); err != nil && !errors.Is(err, vnet.ErrNotFound) {
		c.logger.Printf("orphaned network port %s: %v", netPortUUID, err)
	}
}
