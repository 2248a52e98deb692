package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/playermesh/internal/config"
	"github.com/danmuck/playermesh/internal/logging"
	"github.com/danmuck/playermesh/internal/node"
)

func main() {
	path := flag.String("config", "", "node config path (TOML); env PLAYERMESH_* overrides it")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	svc, err := node.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
