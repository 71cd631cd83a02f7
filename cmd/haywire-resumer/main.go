package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haywire-io/haywire/core/chain"
	"github.com/haywire-io/haywire/core/infra/buildinfo"
	"github.com/haywire-io/haywire/core/infra/bus"
	"github.com/haywire-io/haywire/core/infra/config"
	"github.com/haywire-io/haywire/core/infra/locks"
	infraMetrics "github.com/haywire-io/haywire/core/infra/metrics"
)

func main() {
	log.Println("haywire resumer starting...")
	buildinfo.Log("haywire-resumer")

	cfg := config.Load()

	metrics := infraMetrics.NewProm("haywire_resumer")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", infraMetrics.Handler())
		srv := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Printf("resumer metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

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

	queue, err := bus.NewNatsQueue(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer queue.Close()
	if cfg.ConnectionsPath != "" {
		conns, err := config.LoadConnections(cfg.ConnectionsPath)
		if err != nil {
			log.Fatalf("failed to load connections config: %v", err)
		}
		queue.WithConnections(conns)
	}

	engine := chain.NewEngine(store, queue, lockStore, chain.NewRegistry()).
		WithMetrics(metrics)
	resumer := chain.NewResumer(engine, lockStore, cfg.ResumeInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resumer.Start(ctx)
	log.Printf("resumer sweeping every %s", cfg.ResumeInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("resumer shutting down")
	cancel()
}
