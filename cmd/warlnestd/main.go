package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/DouglasBagambe/warlnest-starknet/config"
	"github.com/DouglasBagambe/warlnest-starknet/escrow"
	"github.com/DouglasBagambe/warlnest-starknet/gateway"
	"github.com/DouglasBagambe/warlnest-starknet/gateway/middleware"
	"github.com/DouglasBagambe/warlnest-starknet/ledger"
	"github.com/DouglasBagambe/warlnest-starknet/listings"
	"github.com/DouglasBagambe/warlnest-starknet/observability"
	"github.com/DouglasBagambe/warlnest-starknet/observability/logging"
	otelinit "github.com/DouglasBagambe/warlnest-starknet/observability/otel"
	"github.com/DouglasBagambe/warlnest-starknet/registry"
	"github.com/DouglasBagambe/warlnest-starknet/reputation"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "warlnest.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.Setup("warlnestd", cfg.Environment, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	ctx := context.Background()
	if cfg.OTLP.Enabled {
		shutdown, err := otelinit.Init(ctx, otelinit.Config{
			ServiceName: "warlnestd",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLP.Endpoint,
			Insecure:    cfg.OTLP.Insecure,
		})
		if err != nil {
			log.Error("init telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	var dialector gorm.Dialector
	if cfg.DatabaseDSN != "" {
		dialector = postgres.Open(cfg.DatabaseDSN)
	} else {
		dialector = sqlite.Open(cfg.DatabasePath)
	}
	listingStore, err := listings.Open(dialector)
	if err != nil {
		log.Error("open listing store", "err", err)
		os.Exit(1)
	}
	escrowStore, err := escrow.NewStore(listingStore.DB())
	if err != nil {
		log.Error("open escrow store", "err", err)
		os.Exit(1)
	}
	idem, err := gateway.NewIdempotencyStore(cfg.GatewayDBPath)
	if err != nil {
		log.Error("open idempotency store", "err", err)
		os.Exit(1)
	}
	defer idem.Close()

	contracts := make(map[ledger.Contract]string, len(cfg.Ledger.Contracts))
	for name, addr := range cfg.Ledger.Contracts {
		contracts[ledger.Contract(name)] = addr
	}
	table, err := ledger.NewCallTable(contracts)
	if err != nil {
		log.Error("resolve contract addresses", "err", err)
		os.Exit(1)
	}
	ledgerGateway := ledger.NewRPCGateway(cfg.Ledger.RPCURL, cfg.Ledger.AuthToken, table,
		ledger.WithPollInterval(cfg.PollInterval()),
		ledger.WithFinalityTimeout(cfg.FinalityTimeout()),
		ledger.WithMetrics(observability.Ledger()),
	)

	reg := registry.New(ledgerGateway, listingStore, cfg.MetadataBaseURL, log)
	esc := escrow.New(ledgerGateway, escrowStore, listingStore, log)
	rep := reputation.New(ledgerGateway, listingStore, log)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "warlnestd",
		LogRequests: cfg.Log.Requests,
		Enabled:     true,
	}, log)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, log)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"properties": {RequestsPerMinute: cfg.Limits.PropertiesPerMinute, Burst: cfg.Limits.Burst},
		"ledger":     {RequestsPerMinute: cfg.Limits.LedgerPerMinute, Burst: cfg.Limits.Burst},
	})

	server := gateway.NewServer(listingStore, reg, esc, rep, idem, gateway.Options{
		Observability:  obs,
		Authenticator:  auth,
		RateLimiter:    limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("warlnestd listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}
