package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/api"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/conductor"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/config"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dnsprovider"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/gateway"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/portpool"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/provision"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/registry"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/sessions"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/vnet"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

func run(cfg *config.Config) error {
	repo, err := state.Bootstrap(cfg.Conductor.StateDir)
	if err != nil {
		return fmt.Errorf("state bootstrap: %w", err)
	}
	defer repo.Close()
	log.Printf("state bootstrap complete (%s)", cfg.Conductor.StateDir)

	cache := state.NewBoardCache(repo, cfg.Conductor.BoardCacheSize)
	defer cache.Close()

	bus := wampbus.NewClient(cfg.WAMP)
	agents := registry.New(repo, cfg.Conductor.HeartbeatTimeout.Std())
	sess := sessions.New(repo, cache)
	prov := provision.New(repo, agents, cfg.WAMP.Realm)
	disp := dispatcher.New(repo, cache, bus)

	co, err := workflow.New(workflow.Options{
		Repo:         repo,
		Boards:       cache,
		Dispatcher:   disp,
		Agents:       gateway.New(bus),
		DNS:          dnsprovider.NewUpdater(cfg.DNS),
		VNet:         vnet.NewClient(cfg.VNet),
		ServicePorts: portpool.NewServicePool(cfg.Conductor.ServicePortMin, cfg.Conductor.ServicePortMax),
		SocatPorts:   portpool.New(cfg.Conductor.SocatPortMin, cfg.Conductor.SocatPortMax),
		PublicIP:     cfg.DNS.PublicIP,
	})
	if err != nil {
		return err
	}

	srv := conductor.New(cfg.Conductor.Hostname, repo, agents, sess, prov, disp, co, bus)
	// Procedures registered here are replayed by the bus client on every
	// broker (re)connect.
	if err := srv.Start(); err != nil {
		return err
	}

	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go bus.Run(busCtx)

	apiSrv := api.NewServer(
		cfg.Conductor.APIListenAddress,
		cfg.Conductor.APIPort,
		cfg.Conductor.APIToken,
		repo,
		co,
		cfg.Conductor.APIMaxBodyBytes,
	)
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("conductor API listening on %s:%d", cfg.Conductor.APIListenAddress, cfg.Conductor.APIPort)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		log.Printf("conductor stop: %v", err)
	}
	stopBus()

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	log.Println("conductor stopped")
	return nil
}

// waitForShutdown blocks until a termination signal arrives or a server
// fails. A clean signal returns nil so the process can exit 0.
func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}
