package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"rental-payouts/pkg/config"
	"rental-payouts/pkg/db/migrate"
	"rental-payouts/pkg/logger"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Minute, "overall migration timeout")
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: migrate [-timeout 10m] <command> [args]")
		fmt.Println("Commands: up, up-by-one, down, redo, status, version, reset")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(config.Params{})
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if _, err := logger.New(logger.ConfigParams{Cfg: cfg}); err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = zap.L().Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := migrate.Run(ctx, cfg, args[0], args[1:]...); err != nil {
		zap.L().Error("migration failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("migration finished", zap.String("command", args[0]))
}
