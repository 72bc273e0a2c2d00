package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/fleetpulse-inbound/internal/consumer"
	"github.com/angelmondragon/fleetpulse-inbound/internal/dispatch"
	"github.com/angelmondragon/fleetpulse-inbound/internal/ops"
	"github.com/angelmondragon/fleetpulse-inbound/internal/registry"
	"github.com/angelmondragon/fleetpulse-inbound/internal/router"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/auth"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/config"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/metrics"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/pubsub"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "inbound-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "inbound-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	registryClient, err := buildRegistryClient(cfg, redisClient, logg)
	requireResource(ctx, logg, "registry client", err)

	sinkRouter, err := buildRouter(pubsubClient, logg)
	requireResource(ctx, logg, "output router", err)
	defer func() {
		if err := sinkRouter.Close(); err != nil {
			logg.Error(ctx, "failed to flush output router", err)
		}
	}()

	inboundMetrics := metrics.NewInboundMetrics(prometheus.DefaultRegisterer)

	principal := auth.SystemPrincipal(cfg.Service.Kind, cfg.App.Env)
	dispatcher, err := dispatch.New(dispatch.Params{
		Registry: registryClient,
		Sinks:    sinkRouter,
		Metrics:  inboundMetrics,
		Logger:   logg,
		ContextProvider: func(ctx context.Context) context.Context {
			return auth.WithPrincipal(ctx, principal)
		},
	})
	requireResource(ctx, logg, "validation dispatcher", err)

	err = dispatcher.Start(dispatch.Config{ThreadCount: cfg.Processing.ThreadCount})
	requireResource(ctx, logg, "dispatcher start", err)
	defer dispatcher.Stop()

	service, err := consumer.NewService(pubsubClient.DecodedEventsSubscription(), dispatcher, logg)
	requireResource(ctx, logg, "batch consumer", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	opsServer := &http.Server{
		Addr: ":" + cfg.App.Port,
		Handler: ops.NewRouter(cfg, logg, prometheus.DefaultGatherer, map[string]ops.Pinger{
			"redis":  redisClient,
			"pubsub": pubsubClient,
		}),
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(runCtx, "ops server stopped unexpectedly", err)
		}
	}()
	defer func() {
		if err := opsServer.Shutdown(context.Background()); err != nil {
			logg.Error(ctx, "failed to shut down ops server", err)
		}
	}()

	logg.Info(runCtx, "inbound worker ready")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "inbound worker failed", err)
		os.Exit(1)
	}

	logg.Info(runCtx, "inbound worker shutting down")
}

func buildRegistryClient(cfg *config.Config, redisClient *redis.Client, logg *logger.Logger) (registry.Client, error) {
	httpClient, err := registry.NewHTTPClient(cfg.Registry, logg)
	if err != nil {
		return nil, err
	}
	if !cfg.Registry.CacheEnabled() {
		return httpClient, nil
	}
	return registry.NewCachedClient(httpClient, redisClient, cfg.Registry.DeviceCacheTTL, logg)
}

func buildRouter(pubsubClient *pubsub.Client, logg *logger.Logger) (*router.Router, error) {
	primary, err := router.NewPubSubSender(pubsubClient.EventsPublisher())
	if err != nil {
		return nil, fmt.Errorf("events publisher: %w", err)
	}
	unregistered, err := router.NewPubSubSender(pubsubClient.UnregisteredPublisher())
	if err != nil {
		return nil, fmt.Errorf("unregistered publisher: %w", err)
	}

	var unassigned router.Sender
	if publisher := pubsubClient.UnassignedPublisher(); publisher != nil {
		sender, err := router.NewPubSubSender(publisher)
		if err != nil {
			return nil, fmt.Errorf("unassigned publisher: %w", err)
		}
		unassigned = sender
	}

	return router.New(router.Params{
		Primary:      primary,
		Unregistered: unregistered,
		Unassigned:   unassigned,
		Logger:       logg,
	})
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
