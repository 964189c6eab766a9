package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/3rs4lg4d0/courier/internal/config"
	zrlg "github.com/3rs4lg4d0/courier/logger/zerolog"
)

func main() {
	path := flag.String("config", os.Getenv("COURIER_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := zrlg.New(os.Stdout, cfg.Log.Level, cfg.Log.Format).With("service", "courier")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("courier stopped with an error", err)
		os.Exit(1)
	}
	log.Info("courier stopped")
}
