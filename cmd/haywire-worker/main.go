package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/haywire-io/haywire/core/chain"
	"github.com/haywire-io/haywire/core/infra/buildinfo"
	"github.com/haywire-io/haywire/core/infra/bus"
	"github.com/haywire-io/haywire/core/infra/config"
)

// echoPayload is the smoke-test payload this reference worker ships with.
// Real deployments build their own worker binary, register their payloads
// against a chain.Registry, and reuse the same wiring.
type echoPayload struct {
	Message string `json:"message"`
}

func (p *echoPayload) Execute(ctx context.Context, sc *chain.StepContext) error {
	log.Printf("echo step %s (chain %s): %s", sc.Step().ID, sc.Chain().ID, p.Message)
	return nil
}

func main() {
	log.Println("haywire worker starting...")
	buildinfo.Log("haywire-worker")

	cfg := config.Load()

	var conns *config.ConnectionsConfig
	if cfg.ConnectionsPath != "" {
		loaded, err := config.LoadConnections(cfg.ConnectionsPath)
		if err != nil {
			log.Fatalf("failed to load connections config: %v", err)
		}
		conns = loaded
	}

	store, err := chain.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for chain store: %v", err)
	}
	defer store.Close()

	queue, err := bus.NewNatsQueue(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer queue.Close()

	registry := chain.NewRegistry()
	registry.RegisterPayload("echo", func(args json.RawMessage) (chain.Stackable, error) {
		p := &echoPayload{}
		if len(args) > 0 {
			if err := json.Unmarshal(args, p); err != nil {
				return nil, err
			}
		}
		return p, nil
	})

	worker := chain.NewWorker(store, queue, registry, cfg.AutomaticProcessing).
		WithConnections(conns)
	if err := worker.Subscribe(cfg.DefaultConnection, cfg.DefaultQueue); err != nil {
		log.Fatalf("failed to subscribe to steps: %v", err)
	}
	log.Printf("worker consuming connection=%s queue=%s automatic=%v",
		cfg.DefaultConnection, cfg.DefaultQueue, cfg.AutomaticProcessing)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("worker shutting down")
}
