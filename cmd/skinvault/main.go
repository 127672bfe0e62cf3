package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/skinvault-gg/skinvault/internal/config"
	"github.com/skinvault-gg/skinvault/internal/escrow"
	"github.com/skinvault-gg/skinvault/internal/fraud"
	"github.com/skinvault-gg/skinvault/internal/metrics"
	"github.com/skinvault-gg/skinvault/internal/payments"
	"github.com/skinvault-gg/skinvault/internal/pool"
	"github.com/skinvault-gg/skinvault/internal/queue"
	"github.com/skinvault-gg/skinvault/internal/ratelimit"
	"github.com/skinvault-gg/skinvault/internal/secrets"
	"github.com/skinvault-gg/skinvault/internal/server"
	"github.com/skinvault-gg/skinvault/internal/steam"
	"github.com/skinvault-gg/skinvault/internal/storage"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	db, err := storage.NewDB(filepath.Join(cfg.DataDir, "skinvault.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// The request quota is shared across every deployed instance, so the
	// counters live in redis rather than in process memory.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb), cfg.MaxRequestsPerWindow, cfg.Window)

	var gate pool.FraudGate = fraud.AllowAll{}
	if cfg.FraudGateURL != "" {
		gate = fraud.NewHTTPGate(cfg.FraudGateURL)
	} else {
		log.Println("[main] no fraud gate configured, all trades pass")
	}

	p := pool.New(pool.Config{
		MaxLoginAttempts:    cfg.MaxLoginAttempts,
		LoginBackoffBase:    cfg.LoginBackoffBase,
		LoginBackoffCap:     cfg.LoginBackoffCap,
		InventoryCapacity:   cfg.InventoryCapacityThreshold,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, gate)

	vault, err := secrets.NewFileVault(filepath.Join(cfg.DataDir, "agents"), cfg.VaultPassphrase)
	if err != nil {
		log.Fatalf("Failed to open credential vault: %v", err)
	}
	creds, err := vault.LoadAgents()
	if err != nil {
		log.Fatalf("Failed to load agent credentials: %v", err)
	}
	for id, c := range creds {
		client := steam.NewClient(steam.Credentials{
			AccountName:  c.AccountName,
			Password:     c.Password,
			SharedSecret: c.SharedSecret,
		})
		if err := p.Register(pool.AgentConfig{ID: id, Transport: client}); err != nil {
			log.Fatalf("Failed to register agent %s: %v", id, err)
		}
	}
	log.Printf("[main] loaded %d agents from vault", len(creds))

	var refunder escrow.Refunder = payments.LogRefunder{}
	if cfg.RefundURL != "" {
		refunder = payments.NewHTTPRefunder(cfg.RefundURL)
	} else {
		log.Println("[main] no refund endpoint configured, refunds are log-only")
	}

	machine := escrow.NewMachine(db)
	outcomes := escrow.NewOutcomes(machine, db, refunder)
	q := queue.New(queue.Config{
		MaxAttempts:  cfg.MaxJobAttempts,
		RetryBackoff: cfg.JobRetryBackoff,
	}, limiter, p, outcomes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(db, p, q, machine, outcomes, cfg.AdminSecret, vault)
	srv.StartWorkers(ctx)

	// Bring the fleet online without blocking startup; the health loop
	// keeps retrying anything that fails here.
	go p.StartAll(ctx)

	if cfg.ListenerURL != "" {
		l := steam.NewListener(cfg.ListenerURL, func(ev steam.OfferEvent) {
			tradeID := ev.TradeID
			if tradeID == "" {
				t, err := db.GetTradeByOffer(ctx, ev.OfferID)
				if err != nil {
					log.Printf("[main] offer %s: no matching trade: %v", ev.OfferID, err)
					return
				}
				tradeID = t.ID
			}
			outcomes.HandleOfferState(ctx, tradeID, ev.State)
		})
		go l.Run(ctx)
	} else {
		log.Println("[main] no listener URL configured, offer updates disabled")
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", srv)

	fmt.Printf("Skinvault running on http://localhost:%s\n", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, mux))
}
