// Package app assembles a shortener instance and runs its background tasks
// next to the HTTP server. Shutdown stops HTTP first, then drains the outbox
// relay and finally releases the node lease.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"urlshortener/internal/api"
	"urlshortener/internal/bus"
	"urlshortener/internal/cache"
	"urlshortener/internal/config"
	"urlshortener/internal/consumer"
	"urlshortener/internal/db"
	"urlshortener/internal/events"
	"urlshortener/internal/idgen"
	"urlshortener/internal/kv"
	"urlshortener/internal/lease"
	"urlshortener/internal/outbox"
	"urlshortener/internal/retry"
	"urlshortener/internal/shortener"
	"urlshortener/models"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	instanceID string

	db       *gorm.DB
	client   redis.UniversalClient
	embedded *miniredis.Miniredis
	store    kv.Store

	lease     *lease.Manager
	links     *cache.TieredCache[models.Link]
	notify    *cache.InvalidationBus
	relay     *outbox.Relay
	consumers []*consumer.Runner
	server    *http.Server
}

// New connects every backend and acquires a node lease. A failed lease
// acquisition is fatal: without a node id no code can be minted.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, instanceID: uuid.NewString()}
	if err := a.connect(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.build(ctx); err != nil {
		if a.lease != nil {
			_ = a.lease.Release(ctx)
		}
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	database, err := db.ConnectDB(a.cfg, a.log)
	if err != nil {
		return err
	}
	a.db = database

	if a.cfg.RedisAddr == "" {
		// Single node: coordination stays in process, streams run embedded.
		a.embedded, err = miniredis.Run()
		if err != nil {
			return fmt.Errorf("start embedded stream server: %w", err)
		}
		a.client = redis.NewClient(&redis.Options{Addr: a.embedded.Addr()})
		a.store = kv.NewMemory()
		a.log.Info("running single-node profile")
		return nil
	}

	a.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{a.cfg.RedisAddr},
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.store = kv.NewRedis(a.client)
	return nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.lease = lease.NewManager(a.store, lease.Config{
		Prefix:        cfg.KeyPrefix,
		Slots:         cfg.LeaseSlots,
		TTL:           cfg.LeaseTTL,
		RenewInterval: cfg.LeaseRenewInterval,
		OpTimeout:     cfg.LeaseOpTimeout,
	}, a.log)
	held, err := a.lease.Acquire(ctx)
	if err != nil {
		return err
	}
	gen, err := idgen.New(held.DatacenterID(), held.WorkerID(), idgen.WithMinLength(cfg.MinCodeLength))
	if err != nil {
		return err
	}

	a.notify = cache.NewInvalidationBus(a.store, cfg.KeyPrefix+cfg.InvalidationCh, a.instanceID, a.log)
	a.links = cache.NewTiered[models.Link](a.store, cache.Config{
		Prefix:   cfg.KeyPrefix + "link:",
		L1Size:   cfg.L1Size,
		L1TTL:    cfg.L1TTL,
		L2TTL:    cfg.L2TTL,
		L2Jitter: cfg.L2Jitter,
	}, a.log,
		cache.WithStampedeLock[models.Link](cache.NewStampedeLock(a.store, cfg.KeyPrefix, cfg.LockWait, cfg.LockHold)),
		cache.WithInvalidationBus[models.Link](a.notify),
		cache.WithOrigin[models.Link](shortener.FetchByCode(a.db)),
	)
	svc := shortener.New(a.db, gen, a.links, a.log)

	policy := retry.Policy{
		Base:       cfg.RetryBase,
		Multiplier: cfg.RetryMultiplier,
		MaxDelay:   cfg.RetryMaxDelay,
		MaxElapsed: cfg.RetryMaxElapsed,
	}
	streams := bus.NewStreams(a.client, bus.StreamsConfig{
		Prefix:     cfg.KeyPrefix + "stream:",
		Partitions: cfg.StreamPartitions,
		Block:      cfg.ConsumerBlock,
	})
	dlq := bus.NewDeadLetterPublisher(streams, a.log)

	a.relay = outbox.NewRelay(a.db, streams, dlq, outbox.RelayConfig{
		Interval:       cfg.OutboxPollInterval,
		BatchSize:      cfg.OutboxBatchSize,
		PublishTimeout: cfg.OutboxPublishTimeout,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		ClaimTimeout:   cfg.OutboxClaimTimeout,
		Retry:          policy,
	}, a.log)

	consumerName := fmt.Sprintf("node-%d-%s", held.NodeID, a.instanceID[:8])
	a.consumers = []*consumer.Runner{
		consumer.NewRunner(streams, dlq, consumer.NewClickConsumer(a.db, a.log).Handle, consumer.RunnerConfig{
			Topic:     events.TopicURLClicked,
			Group:     cfg.ConsumerGroup + "-clicks",
			Consumer:  consumerName,
			BatchSize: cfg.ConsumerBatch,
			Retry:     policy,
		}, a.log),
		consumer.NewRunner(streams, dlq, consumer.NewLinkWarmer(a.links).Handle, consumer.RunnerConfig{
			Topic:     events.TopicURLCreated,
			Group:     cfg.ConsumerGroup + "-links",
			Consumer:  consumerName,
			BatchSize: cfg.ConsumerBatch,
			Retry:     policy,
		}, a.log),
	}

	var limitClient redis.UniversalClient
	if a.embedded == nil {
		limitClient = a.client
	}
	limit, err := api.NewRateLimit(cfg.RateLimit, cfg.KeyPrefix, limitClient)
	if err != nil {
		return fmt.Errorf("rate limit %q: %w", cfg.RateLimit, err)
	}
	handler := api.NewHandler(svc, cfg.BaseURL, a.health, a.log)
	a.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(handler, limit, a.log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (a *App) health(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if _, ok := a.lease.Current(); !ok {
		return errors.New("no node lease held")
	}
	return nil
}

// Run serves until ctx is done or a task fails, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	// The relay outlives the HTTP server so the final drain sees every click.
	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRelay()

	listening, err := a.notify.Start(gctx, a.links.OnNotification)
	if err != nil {
		a.log.Warn("invalidation listener unavailable, serving tier 1 without fan-out", zap.Error(err))
	} else {
		g.Go(func() error {
			<-listening
			return nil
		})
	}

	g.Go(func() error { return a.lease.Run(gctx) })
	g.Go(func() error { return a.relay.Run(relayCtx) })
	for _, r := range a.consumers {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error {
		a.log.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)
		stopRelay()
		return err
	})

	err = g.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), a.cfg.LeaseOpTimeout)
	defer cancel()
	if relErr := a.lease.Release(releaseCtx); relErr != nil {
		a.log.Warn("lease release failed, slot frees on expiry", zap.Error(relErr))
	}
	a.log.Info("shutdown complete")
	return err
}

func (a *App) close() {
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.embedded != nil {
		a.embedded.Close()
	}
}
