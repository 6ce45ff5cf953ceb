package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"sdwear-agent/internal/agent"
	"sdwear-agent/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stdout, "Usage: %s [flags]\n\nTrack write wear of SD cards and other removable block devices.\n\n%s", os.Args[0], config.Usage())
			return
		}
		log.Fatalf("load config: %v", err)
	}

	if cfg.PrintDevices {
		if err := agent.PrintDevices(os.Stdout, cfg); err != nil {
			log.Fatalf("list block devices: %v", err)
		}
		return
	}

	logger := agent.BuildLogger(cfg)
	ctx := context.Background()
	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("agent runtime failed", "error", err)
		os.Exit(1)
	}
}
