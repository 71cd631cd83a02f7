package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/haywire-io/haywire/core/chain"
	"github.com/haywire-io/haywire/core/infra/buildinfo"
	"github.com/haywire-io/haywire/core/infra/config"
	"github.com/haywire-io/haywire/core/infra/locks"
	infraMetrics "github.com/haywire-io/haywire/core/infra/metrics"
)

func main() {
	log.Println("haywire pruner starting...")
	buildinfo.Log("haywire-pruner")

	cfg := config.Load()

	store, err := chain.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for chain store: %v", err)
	}
	defer store.Close()

	lockStore, err := locks.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for lock store: %v", err)
	}
	defer lockStore.Close()

	pruner := chain.NewPruner(store, lockStore, cfg.RetentionWindow, cfg.PruneInterval).
		WithMetrics(infraMetrics.NewProm("haywire_pruner"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pruner.Start(ctx)
	log.Printf("pruner running every %s, retention %s", cfg.PruneInterval, cfg.RetentionWindow)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("pruner shutting down")
	cancel()
}
