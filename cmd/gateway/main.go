// Package main wires together the realtime gateway service: websocket
// gateway, channel router, and webhook delivery pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/api"
	"github.com/snowscrape/realtime-gateway/internal/auth"
	"github.com/snowscrape/realtime-gateway/internal/clock"
	"github.com/snowscrape/realtime-gateway/internal/config"
	"github.com/snowscrape/realtime-gateway/internal/deadletter"
	"github.com/snowscrape/realtime-gateway/internal/gateway"
	"github.com/snowscrape/realtime-gateway/internal/logging"
	"github.com/snowscrape/realtime-gateway/internal/queue"
	queuememory "github.com/snowscrape/realtime-gateway/internal/queue/memory"
	queuepubsub "github.com/snowscrape/realtime-gateway/internal/queue/pubsub"
	"github.com/snowscrape/realtime-gateway/internal/registry"
	registrymemory "github.com/snowscrape/realtime-gateway/internal/registry/memory"
	registrypostgres "github.com/snowscrape/realtime-gateway/internal/registry/postgres"
	"github.com/snowscrape/realtime-gateway/internal/router"
	"github.com/snowscrape/realtime-gateway/internal/webhook"
	webhookmemory "github.com/snowscrape/realtime-gateway/internal/webhook/store/memory"
	webhookpostgres "github.com/snowscrape/realtime-gateway/internal/webhook/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	keyPEM, err := os.ReadFile(cfg.Auth.IssuerPublicKeyFile)
	if err != nil {
		return fmt.Errorf("read issuer public key: %w", err)
	}
	verifier, err := auth.NewTokenVerifier(keyPEM, time.Duration(cfg.Auth.LeewaySeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("build token verifier: %w", err)
	}

	reg, cleanupReg, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupReg()

	q, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn("close queue failed", zap.Error(err))
		}
	}()

	subs, deliveries, cleanupStores, err := buildWebhookStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupStores()

	dead, err := buildDeadLetterer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gw := gateway.New(reg, verifier, gateway.Config{
		AuthTimeout:      time.Duration(cfg.Gateway.AuthTimeoutSec) * time.Second,
		PendingTTL:       time.Duration(cfg.Gateway.PendingTTLSec) * time.Second,
		AuthenticatedTTL: time.Duration(cfg.Gateway.AuthenticatedTTLSec) * time.Second,
		WriteWait:        time.Duration(cfg.Gateway.WriteWaitSec) * time.Second,
		PongWait:         time.Duration(cfg.Gateway.PongWaitSec) * time.Second,
		MaxMessageBytes:  cfg.Gateway.MaxMessageBytes,
		SendBuffer:       cfg.Gateway.SendBuffer,
	}, logger.Named("gateway"))
	defer gw.Close()

	events := router.New(reg, gw,
		time.Duration(cfg.Router.SendTimeoutMs)*time.Millisecond,
		logger.Named("router"),
	)

	dispatcher := webhook.NewDispatcher(subs, deliveries, q, clock.System{}, logger.Named("dispatcher"))
	workerCfg := webhook.WorkerConfig{
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		Schedule:       cfg.Webhook.RetrySchedule(),
		AttemptTimeout: time.Duration(cfg.Webhook.AttemptTimeoutSec) * time.Second,
	}
	for i := 0; i < cfg.Webhook.Workers; i++ {
		w := webhook.NewWorker(subs, deliveries, q, dead, nil, workerCfg, clock.System{},
			logger.Named("webhook-worker").With(zap.Int("index", i)))
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("webhook worker stopped", zap.Error(err))
			}
		}()
	}
	scheduler := webhook.NewScheduler(deliveries, q,
		time.Duration(cfg.Webhook.PollIntervalSec)*time.Second,
		cfg.Webhook.PollBatch,
		clock.System{},
		logger.Named("webhook-scheduler"),
	)
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("webhook scheduler stopped", zap.Error(err))
		}
	}()

	apiServer := api.NewServer(gw, events, dispatcher, deliveries, api.Config{
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger) (registry.Store, func(), error) {
	retries := cfg.Registry.WriteRetries
	backoff := time.Duration(cfg.Registry.RetryBackoffMs) * time.Millisecond

	switch cfg.Registry.Backend {
	case "memory":
		mem := registrymemory.New()
		store := registry.NewRetrying(mem, retries, backoff, logger.Named("registry"))
		return store, mem.Close, nil
	case "postgres":
		pg, err := registrypostgres.New(ctx, registrypostgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect registry: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}

		// Expired rows are filtered on read; the janitor just reclaims space.
		janitorCtx, cancelJanitor := context.WithCancel(ctx)
		go func() {
			interval := time.Duration(cfg.Registry.PurgeIntervalSec) * time.Second
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-janitorCtx.Done():
					return
				case <-ticker.C:
					if n, err := pg.PurgeExpired(janitorCtx); err != nil {
						logger.Warn("purge expired connections failed", zap.Error(err))
					} else if n > 0 {
						logger.Debug("purged expired connections", zap.Int64("count", n))
					}
				}
			}
		}()

		store := registry.NewRetrying(pg, retries, backoff, logger.Named("registry"))
		cleanup := func() {
			cancelJanitor()
			pg.Close()
		}
		return store, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queuememory.NewQueue(
			cfg.Queue.MemoryCapacity,
			time.Duration(cfg.Queue.VisibilityTimeoutSec)*time.Second,
		), nil
	case "pubsub":
		q, err := queuepubsub.New(ctx, cfg.Queue.ProjectID, cfg.Queue.Topic, cfg.Queue.Subscription)
		if err != nil {
			return nil, fmt.Errorf("connect delivery queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildWebhookStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (webhook.SubscriptionStore, webhook.DeliveryStore, func(), error) {
	if cfg.DB.DSN == "" {
		return webhookmemory.NewSubscriptionStore(), webhookmemory.NewDeliveryStore(), func() {}, nil
	}
	store, err := webhookpostgres.New(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect webhook store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	// Delivery rows carry a 30-day retention window; an hourly purge keeps
	// the table from growing without bound.
	janitorCtx, cancelJanitor := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case <-ticker.C:
				if n, err := store.Deliveries().PurgeExpired(janitorCtx); err != nil {
					logger.Warn("purge expired deliveries failed", zap.Error(err))
				} else if n > 0 {
					logger.Debug("purged expired deliveries", zap.Int64("count", n))
				}
			}
		}
	}()

	cleanup := func() {
		cancelJanitor()
		store.Close()
	}
	return store, store.Deliveries(), cleanup, nil
}

func buildDeadLetterer(ctx context.Context, cfg config.Config, logger *zap.Logger) (webhook.DeadLetterer, error) {
	switch cfg.DeadLetter.Backend {
	case "memory":
		return deadletter.NewMemory(), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect cloud storage: %w", err)
		}
		return deadletter.NewGCS(client, cfg.DeadLetter.GCSBucket, logger.Named("deadletter"))
	default:
		return nil, fmt.Errorf("unknown dead letter backend %q", cfg.DeadLetter.Backend)
	}
}
