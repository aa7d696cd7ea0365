/*
This command provides an executable version of the keyed HTTP reverse
proxy.

For the list of command line options, run:

	pyramidproxy -help

For details about the routing keys and the proxy behavior, please see the
documentation of the proxy and the resolver packages.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/pyramidproxy/pyramidproxy"
	"github.com/pyramidproxy/pyramidproxy/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)

	if err := pyramidproxy.Run(cfg.ToOptions()); err != nil {
		log.Fatal(err)
	}
}
