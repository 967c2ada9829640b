// session-backend is a multi-tenant real-time session server: duplex
// WebSocket connections replay and tail a per-(user, save) event log and
// can drive a streaming chat turn against an upstream LLM.
//
// It reads configuration from config.json in the working directory,
// connects to PostgreSQL, bootstraps the event-log and save-ownership
// schema, and starts an HTTP server hosting the health check, the
// ownership-check endpoint, and the WebSocket upgrade route.
//
// Usage:
//
//	./session-backend              # reads ./config.json, starts server
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/primal-host/session-backend/internal/auth"
	"github.com/primal-host/session-backend/internal/config"
	"github.com/primal-host/session-backend/internal/eventstore/pgxstore"
	"github.com/primal-host/session-backend/internal/httpapi"
	"github.com/primal-host/session-backend/internal/llm"
	"github.com/primal-host/session-backend/internal/llm/synthetic"
	"github.com/primal-host/session-backend/internal/llm/vendorclient"
	"github.com/primal-host/session-backend/internal/logging"
	"github.com/primal-host/session-backend/internal/metrics"
	"github.com/primal-host/session-backend/internal/notify/local"
	"github.com/primal-host/session-backend/internal/ownership"
	"github.com/primal-host/session-backend/internal/session"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("session-backend starting...")

	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.ReplaceGlobals(logger)
	logger.Info("config loaded", logging.String("listen_addr", cfg.ListenAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logging.String("signal", sig.String()))
		cancel()
	}()

	store, err := pgxstore.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	logger.Info("database connected, schema bootstrapped")

	saveLookup := pgxstore.NewSaveLookup(store)
	resolver := ownership.NewResolver(saveLookup, store, cfg.MaxDeviceIDLength, cfg.MaxDevicesPerSave)
	verifier := auth.NewVerifier(cfg.JWTSecret)
	notifier := local.New()
	reg := metrics.New(prometheus.DefaultRegisterer)

	newLLMClient := func() llm.Client {
		if cfg.LLM.Mode == "vendor" {
			baseURL, err := cfg.LLM.NormalizedBaseURL()
			if err != nil {
				logger.Error("invalid llm base url, falling back to synthetic", logging.Error(err))
				return synthetic.New()
			}
			return vendorclient.New(baseURL, cfg.LLM.APIKey, cfg.LLM.Model, vendorclient.API(cfg.LLM.API), cfg.LLM.Timeout(), cfg.LLM.ConnectTimeout())
		}
		return synthetic.New()
	}

	deps := session.Deps{
		Store:        store,
		Usage:        store,
		Notifier:     notifier,
		Verifier:     verifier,
		Resolver:     resolver,
		NewLLMClient: newLLMClient,
		Logger:       logger,
		Metrics:      reg,
		PingInterval: cfg.PingInterval,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	srv := httpapi.New(cfg.ListenAddr, deps, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", logging.Error(err))
		os.Exit(1)
	}

	logger.Info("session-backend stopped")
}
