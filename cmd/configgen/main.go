package main

import (
	"flag"
	"log"

	"github.com/danmuck/playermesh/internal/config"
)

func main() {
	output := flag.String("output", "cmd/meshctl/config.toml", "output path for config template")
	nodeID := flag.String("node", "node-1", "node id written into the template")
	httpAddr := flag.String("http", ":8080", "client and admin listen address")
	peerAddr := flag.String("peer", "127.0.0.1:7946", "peer link listen address")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/meshctl/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if _, err := config.Load(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *nodeID, *httpAddr, *peerAddr, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *nodeID, *output)
}
