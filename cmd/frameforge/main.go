package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"frameforge/internal/cli"
	"frameforge/internal/config"
	"frameforge/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "frameforge: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "frameforge: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := cli.NewRoot(cfg, logger)
	err = cli.NewRootCmd(root).ExecuteContext(ctx)
	root.Close()
	stop()
	if err != nil {
		os.Exit(1)
	}
}
