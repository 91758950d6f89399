package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

// The two system services backing a board's HTTP exposure. Their rows are
// seeded at install time.
const (
	webserviceService    = "webservice"
	webserviceSSLService = "webservice_ssl"
)

// EnableWebservice projects a board to <dns>.<zone>: DNS record, two public
// ports, reverse-proxy config and three device calls under one parent
// request. A taken dns label leaves a zero-pending parent plus a WARNING
// result behind and raises DNSConflictError.
func (c *Coordinator) EnableWebservice(ctx context.Context, boardUUID, dns, zone, email string) (*model.EnabledWebservice, error) {
	board, err := c.onlineBoard(boardUUID)
	if err != nil {
		return nil, err
	}

	taken, err := c.repo.DNSInUse(dns)
	if err != nil {
		return nil, err
	}
	if taken {
		parent, err := c.createParent(board, "enable_webservice", 0)
		if err != nil {
			return nil, err
		}
		if err := c.repo.CreateResult(&model.Result{
			RequestUUID: parent.UUID,
			BoardUUID:   boardUUID,
			Result:      model.ResultWarning,
			Message:     "DNS already exists!",
		}); err != nil {
			return nil, err
		}
		return nil, &DNSConflictError{DNS: dns, ParentUUID: parent.UUID}
	}
	if _, err := c.repo.GetEnabledWebservice(boardUUID); err == nil {
		return nil, fmt.Errorf("board %s: %w", boardUUID, state.ErrWebserviceAlreadyEnabled)
	} else if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	httpSvc, err := c.repo.GetServiceByName(webserviceService)
	if err != nil {
		return nil, fmt.Errorf("system service %q: %w", webserviceService, err)
	}
	httpsSvc, err := c.repo.GetServiceByName(webserviceSSLService)
	if err != nil {
		return nil, fmt.Errorf("system service %q: %w", webserviceSSLService, err)
	}

	if err := c.dns.CreateRecord(ctx, dns, c.publicIP, zone); err != nil {
		return nil, err
	}

	httpPort, err := c.allocateServicePort()
	if err != nil {
		return nil, err
	}
	httpsPort, err := c.allocateServicePort()
	if err != nil {
		c.servicePorts.Release(httpPort)
		return nil, err
	}

	enabled := &model.EnabledWebservice{
		BoardUUID: boardUUID,
		HTTPPort:  httpPort,
		HTTPSPort: httpsPort,
		DNS:       dns,
		Zone:      zone,
	}
	if err := c.repo.CreateEnabledWebservice(enabled); err != nil {
		c.servicePorts.Release(httpPort)
		c.servicePorts.Release(httpsPort)
		return nil, err
	}

	parent, err := c.createParent(board, "enable_webservice", 3)
	if err != nil {
		return nil, err
	}
	fqdn := dns + "." + zone
	steps := []struct {
		call string
		args []any
	}{
		{model.ServiceEnable, []any{webserviceService, httpPort}},
		{model.ServiceEnable, []any{webserviceSSLService, httpsPort}},
		{"EnableWebService", []any{fqdn, email}},
	}
	for _, s := range steps {
		if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, s.call, s.args, parent.UUID); err != nil {
			// Settled steps keep their rows; the operator retries from here.
			return nil, err
		}
	}

	for svc, port := range map[string]int{httpSvc.UUID: httpPort, httpsSvc.UUID: httpsPort} {
		if err := c.repo.CreateExposedService(&model.ExposedService{
			BoardUUID:   boardUUID,
			ServiceUUID: svc,
			PublicPort:  port,
		}); err != nil {
			return nil, err
		}
		if err := c.agents.AddToAllowlist(ctx, board.Agent, boardUUID, port); err != nil {
			return nil, err
		}
	}

	if err := c.agents.EnableWebservice(ctx, board.Agent, dns, httpsPort, httpPort, zone); err != nil {
		return nil, err
	}
	if err := c.agents.AddRedirect(ctx, board.Agent, dns, zone, ""); err != nil {
		return nil, err
	}
	if err := c.agents.ReloadProxy(ctx, board.Agent); err != nil {
		return nil, err
	}

	c.logger.Printf("webservices enabled on board %s as %s (http %d, https %d)", boardUUID, fqdn, httpPort, httpsPort)
	return enabled, nil
}

// DisableWebservice tears the board's HTTP exposure down. Device calls are
// skipped when the board is offline; cloud-side state is cleaned either
// way, and independent failures are collected rather than aborting.
func (c *Coordinator) DisableWebservice(ctx context.Context, boardUUID string) error {
	enabled, err := c.repo.GetEnabledWebservice(boardUUID)
	if err != nil {
		return err
	}
	board, err := c.boards.Get(boardUUID)
	if err != nil {
		return err
	}
	online := board.Online() && board.Agent != ""

	var errs *multierror.Error
	if online {
		parent, err := c.createParent(board, "disable_webservice", 3)
		if err != nil {
			return err
		}
		steps := []struct {
			call string
			args []any
		}{
			{model.ServiceDisable, []any{webserviceService}},
			{model.ServiceDisable, []any{webserviceSSLService}},
			{"DisableWebService", nil},
		}
		for _, s := range steps {
			if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, s.call, s.args, parent.UUID); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	for _, name := range []string{webserviceService, webserviceSSLService} {
		svc, err := c.repo.GetServiceByName(name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := c.repo.DeleteExposedService(boardUUID, svc.UUID); err != nil && !errors.Is(err, state.ErrNotFound) {
			errs = multierror.Append(errs, err)
		}
	}
	for _, port := range []int{enabled.HTTPPort, enabled.HTTPSPort} {
		c.servicePorts.Release(port)
		if board.Agent != "" {
			if err := c.agents.RemoveFromAllowlist(ctx, board.Agent, boardUUID, port); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	if err := c.repo.DeleteEnabledWebservice(boardUUID); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.dns.DeleteRecord(ctx, enabled.DNS, enabled.Zone); err != nil {
		errs = multierror.Append(errs, err)
	}
	if board.Agent != "" {
		if err := c.agents.DisableWebservice(ctx, board.Agent, enabled.DNS); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.agents.ReloadProxy(ctx, board.Agent); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	c.logger.Printf("webservices disabled on board %s (%s.%s)", boardUUID, enabled.DNS, enabled.Zone)
	return errs.ErrorOrNil()
}

// RenewWebservice asks the device to renew its TLS certificate.
func (c *Coordinator) RenewWebservice(ctx context.Context, boardUUID string) error {
	board, err := c.onlineBoard(boardUUID)
	if err != nil {
		return err
	}
	if _, err := c.repo.GetEnabledWebservice(boardUUID); err != nil {
		return err
	}
	parent, err := c.createParent(board, "renew_webservice", 1)
	if err != nil {
		return err
	}
	_, err = c.disp.ExecuteOnBoard(ctx, boardUUID, "RenewWebservice", nil, parent.UUID)
	return err
}

// CreateWebservice exposes one named endpoint under the board's dns:
// <name>.<board-dns>.<zone>. Re-creating an existing name records a WARNING
// and returns the existing row.
func (c *Coordinator) CreateWebservice(ctx context.Context, boardUUID, name string, port int, secure bool) (*model.Webservice, error) {
	board, err := c.onlineBoard(boardUUID)
	if err != nil {
		return nil, err
	}
	enabled, err := c.repo.GetEnabledWebservice(boardUUID)
	if err != nil {
		return nil, err
	}

	existing, err := c.repo.ListWebservices(boardUUID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Name != name {
			continue
		}
		parent, err := c.createParent(board, "create_webservice", 0)
		if err != nil {
			return nil, err
		}
		if err := c.repo.CreateResult(&model.Result{
			RequestUUID: parent.UUID,
			BoardUUID:   boardUUID,
			Result:      model.ResultWarning,
			Message:     "Webservice already exposed",
		}); err != nil {
			return nil, err
		}
		c.logger.Printf("webservice %s already exposed on board %s", name, boardUUID)
		return &existing[i], nil
	}

	fqdn := name + "." + enabled.DNS + "." + enabled.Zone
	if err := c.dns.CreateRecord(ctx, name+"."+enabled.DNS, c.publicIP, enabled.Zone); err != nil {
		return nil, err
	}

	dnsList := make([]string, 0, len(existing)+1)
	for _, w := range existing {
		dnsList = append(dnsList, w.Name+"."+enabled.DNS+"."+enabled.Zone)
	}
	dnsList = append(dnsList, fqdn)

	zoneDomain := enabled.DNS + "." + enabled.Zone
	if _, err := c.disp.ExecuteOnBoard(ctx, boardUUID, "ExposeWebservice",
		[]any{zoneDomain, fqdn, port, strings.Join(dnsList, ",")}, ""); err != nil {
		return nil, err
	}

	if err := c.agents.AddRedirect(ctx, board.Agent, enabled.DNS, enabled.Zone, name); err != nil {
		return nil, err
	}
	if err := c.agents.ReloadProxy(ctx, board.Agent); err != nil {
		return nil, err
	}

	ws := &model.Webservice{
		UUID:      uuid.NewString(),
		Name:      name,
		Port:      port,
		BoardUUID: boardUUID,
		Secure:    secure,
	}
	if err := c.repo.CreateWebservice(ws); err != nil {
		return nil, err
	}
	c.logger.Printf("webservice %s exposed on board %s", fqdn, boardUUID)
	return ws, nil
}

// DestroyWebservice removes one named endpoint. The device is told about
// the remaining names only when reachable; row and DNS record go away
// regardless.
func (c *Coordinator) DestroyWebservice(ctx context.Context, identity string) error {
	ws, err := c.repo.GetWebservice(identity)
	if err != nil {
		return err
	}
	enabled, err := c.repo.GetEnabledWebservice(ws.BoardUUID)
	if err != nil {
		return err
	}
	board, err := c.boards.Get(ws.BoardUUID)
	if err != nil {
		return err
	}

	all, err := c.repo.ListWebservices(ws.BoardUUID)
	if err != nil {
		return err
	}
	var remaining []string
	for _, w := range all {
		if w.UUID != ws.UUID {
			remaining = append(remaining, w.Name+"."+enabled.DNS+"."+enabled.Zone)
		}
	}

	var errs *multierror.Error
	if board.Online() && board.Agent != "" {
		fqdn := ws.Name + "." + enabled.DNS + "." + enabled.Zone
		if _, err := c.disp.ExecuteOnBoard(ctx, ws.BoardUUID, "UnexposeWebservice",
			[]any{fqdn, strings.Join(remaining, ",")}, ""); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.agents.RemoveRedirect(ctx, board.Agent, enabled.DNS, enabled.Zone, ws.Name); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.agents.ReloadProxy(ctx, board.Agent); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := c.repo.DeleteWebservice(ws.UUID); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.dns.DeleteRecord(ctx, ws.Name+"."+enabled.DNS, enabled.Zone); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
