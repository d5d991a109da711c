package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"collarcore/config"
	"collarcore/core"
	"collarcore/core/events"
	gwconfig "collarcore/gateway/config"
	"collarcore/gateway/middleware"
	"collarcore/native/loans"
	"collarcore/native/oracle"
	"collarcore/observability"
	"collarcore/observability/logging"
	"collarcore/observability/otel"
	"collarcore/storage"

	"collarcore/gateway"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the gateway YAML config")
	flag.Parse()

	cfg, err := gwconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("collar-gateway", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "collar-gateway",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	registry, err := config.Load(cfg.RegistryPath)
	if err != nil {
		logger.Error("load registry", "error", err)
		os.Exit(1)
	}
	if len(registry.Pairs) == 0 {
		logger.Error("registry defines no asset pairs", "path", cfg.RegistryPath)
		os.Exit(1)
	}
	pair := registry.Pairs[0]

	var db storage.Database
	if cfg.DataDir == "" {
		logger.Warn("no dataDir configured, ledger state is in-memory only")
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("open ledger store", "error", err, "path", cfg.DataDir)
			os.Exit(1)
		}
		db = leveldb
	}
	defer db.Close()

	feedDecimals := cfg.Oracle.FeedDecimals
	if feedDecimals == 0 {
		feedDecimals = pair.CashDecimals
	}
	feed := NewHTTPPriceFeed(cfg.Oracle.FeedURL, feedDecimals, cfg.Oracle.PollInterval, logging.Component(logger, "price-feed"))
	go feed.Run(ctx)

	priceOracle, err := oracle.NewFeedOracle(
		pair.Collateral, pair.Cash,
		pair.CollateralDecimals, pair.CashDecimals,
		feed, int64(cfg.Oracle.MaxStaleness.Seconds()),
	)
	if err != nil {
		logger.Error("configure oracle", "error", err)
		os.Exit(1)
	}

	var swapper loans.SwapAdapter
	if cfg.Swap.VenueURL != "" {
		swapper = NewSwapVenue(cfg.Swap.VenueURL, cfg.Swap.APIKey, cfg.Swap.Timeout, logging.Component(logger, "swap-venue"))
	} else {
		logger.Warn("no swap venue configured, loan origination is disabled")
	}

	emitter := observability.MeteredEmitter{Next: events.NoopEmitter{}}
	node, err := core.NewNode(db, registry, priceOracle, swapper, emitter, logger)
	if err != nil {
		logger.Error("start node", "error", err)
		os.Exit(1)
	}

	store, err := NewSQLiteStore(cfg.IdempotencyDB)
	if err != nil {
		logger.Error("open idempotency store", "error", err, "path", cfg.IdempotencyDB)
		os.Exit(1)
	}
	defer store.Close()

	deps := gateway.RouterDeps{Idempotency: store}
	if cfg.Auth.Enabled {
		deps.Auth = middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger)
	} else {
		logger.Warn("bearer auth disabled, mutating routes are open")
	}
	if len(cfg.RateLimits) > 0 {
		limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
		for _, limit := range cfg.RateLimits {
			limits[limit.ID] = middleware.RateLimit{
				RatePerSecond: limit.RatePerSecond,
				Burst:         limit.Burst,
			}
		}
		deps.RateLimiter = middleware.NewRateLimiter(limits)
	}
	if cfg.Observability.Enabled {
		deps.Observability = middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   cfg.Observability.ServiceName,
			MetricsPrefix: cfg.Observability.MetricsPrefix,
			LogRequests:   cfg.Observability.LogRequests,
			Enabled:       true,
		}, logger)
	}

	handler := gateway.NewServer(node, logger).Router(deps)
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, "collar-gateway")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("collar gateway listening",
			"address", cfg.ListenAddress,
			"pair", pair.Collateral+"/"+pair.Cash,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down collar gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("COLLAR_GATEWAY_CONFIG"); path != "" {
		return path
	}
	return "collar-gateway.yaml"
}
