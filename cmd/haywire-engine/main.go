package main

import (
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
	log.Println("haywire engine starting...")
	buildinfo.Log("haywire-engine")

	cfg := config.Load()

	metrics := infraMetrics.NewProm("haywire_engine")
	go serveMetrics(cfg.MetricsAddr)

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

	registry := chain.NewRegistry()
	engine := chain.NewEngine(store, queue, lockStore, registry).WithMetrics(metrics)

	listener := chain.NewListener(engine, queue)
	if err := listener.Start(); err != nil {
		log.Fatalf("failed to subscribe to step results: %v", err)
	}

	log.Println("engine running. waiting for signals...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("engine shutting down")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("engine metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server error: %v", err)
	}
}
