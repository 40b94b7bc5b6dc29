package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ashwinkm/trendflip/internal/api"
	"github.com/ashwinkm/trendflip/internal/broker"
	"github.com/ashwinkm/trendflip/internal/config"
	"github.com/ashwinkm/trendflip/internal/engine"
	"github.com/ashwinkm/trendflip/internal/journal"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local runs; the config file expands ${VAR} refs.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	apiLogger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		apiLogger.SetLevel(level)
	}

	logger.Printf("Starting trendflip on %s in %s mode", cfg.Engine.Index, cfg.Environment.Mode)
	if cfg.Environment.Mode == "live" {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	jr, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer func() {
		if err := jr.Close(); err != nil {
			logger.Printf("ERROR closing journal: %v", err)
		}
	}()

	b := buildBroker(cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(registry)

	eng, err := engine.New(cfg, b, jr, logger, engine.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	server := api.NewServer(api.Config{
		Addr:      cfg.API.Listen,
		AuthToken: cfg.API.AuthToken,
		Gatherer:  registry,
	}, eng, jr, apiLogger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutdown signal received, stopping...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("ERROR shutting down API server: %v", err)
		}

		if err := eng.Stop(engine.StopGraceful); err != nil {
			if errors.Is(err, engine.ErrPositionLive) {
				logger.Println("Position still live, forcing flat before exit")
				return eng.Stop(engine.StopForceFlat)
			}
			if !errors.Is(err, engine.ErrNotRunning) {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

// buildBroker selects the paper simulator or the live Dhan client behind a
// circuit breaker, per the configured mode.
func buildBroker(cfg *config.Config) broker.Broker {
	if cfg.Environment.Mode == "live" {
		var live *broker.DhanClient
		if cfg.Broker.APIEndpoint != "" {
			live = broker.NewDhanClientWithBaseURL(
				cfg.Broker.AccessToken,
				cfg.Broker.ClientID,
				cfg.Broker.APIEndpoint,
			)
		} else {
			live = broker.NewDhanClient(cfg.Broker.AccessToken, cfg.Broker.ClientID)
		}
		return broker.NewCircuitBreakerBroker(live)
	}
	return broker.NewPaperBroker()
}
