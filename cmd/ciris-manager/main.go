package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/manager"
)

var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the manager config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ciris-manager " + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	m, err := manager.New(cfg, log)
	if err != nil {
		log.Error("failed to start manager", "error", err)
		os.Exit(1)
	}

	log.Info("ciris-manager starting", "version", version, "config", *configPath)
	if err := m.Run(ctx); err != nil {
		log.Error("manager exited with error", "error", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CIRIS_MANAGER_CONFIG"); p != "" {
		return p
	}
	return "/etc/ciris-manager/config.yml"
}
