// The iotronic-conductor binary runs the control plane: the SQLite registry,
// the bus procedures serving devices and wamp agents, the workflow engine and
// the HTTP API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/buildinfo"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("iotronic-conductor %s (%s, built %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("conductor: %v", err)
	}
}
