// The iotronic-wamp-agent binary runs a broker-side agent: it carries device
// sessions, relays conductor RPCs to devices and manages the local reverse
// proxy and tunnel allowlist.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/agent"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/allowlist"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/buildinfo"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/config"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/nginx"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("iotronic-wamp-agent %s (%s, built %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("wamp agent: %v", err)
	}
}

func run(cfg *config.Config) error {
	hostname := cfg.WAMP.AgentHostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		hostname = h
	}

	bus := wampbus.NewClient(cfg.WAMP)
	proxy := nginx.NewManager(cfg.Nginx.Path, cfg.Nginx.WstunEndpoint)
	allow := allowlist.NewStore(cfg.WAMP.ServiceAllowListPath)

	srv := agent.New(hostname, cfg.WAMP.AgentWSURL, cfg.WAMP.RegisterAgent,
		cfg.Conductor.HeartbeatTimeout.Std(), bus, proxy, allow)
	// Procedures registered here are replayed by the bus client on every
	// broker (re)connect.
	if err := srv.Register(); err != nil {
		return err
	}

	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()

	// Re-announce after every (re)connect so the conductor reconciles the
	// sessions this agent carried before a restart.
	bus.OnConnect(func() {
		if err := srv.Announce(context.Background()); err != nil {
			log.Printf("announce: %v", err)
		}
	})

	go bus.Run(busCtx)
	go srv.RunHeartbeat(busCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down", sig)

	srv.Stop()
	stopBus()
	if err := bus.Close(); err != nil {
		return err
	}
	log.Println("wamp agent stopped")
	return nil
}
