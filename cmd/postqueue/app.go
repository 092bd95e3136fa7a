package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/config"
	"github.com/notifyhub/posting-queue/internal/db"
	"github.com/notifyhub/posting-queue/internal/dispatch"
	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/fingerprint"
	"github.com/notifyhub/posting-queue/internal/lock"
	"github.com/notifyhub/posting-queue/internal/metrics"
	"github.com/notifyhub/posting-queue/internal/publisher"
	"github.com/notifyhub/posting-queue/internal/ratelimiter"
	"github.com/notifyhub/posting-queue/internal/repository"
	"github.com/notifyhub/posting-queue/internal/retry"
	"github.com/notifyhub/posting-queue/internal/scheduler"
	"github.com/notifyhub/posting-queue/internal/service"
)

// app holds the wired dependency graph shared by serve and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	queue    *service.PostingQueue
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	repo, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	clk := clock.Real{}
	engine := fingerprint.NewEngine(repo, clk, cfg.DedupWindow)

	sched := scheduler.New(repo, clk, scheduler.Options{
		Limits:         cfg.Channels,
		PromoteAfter:   cfg.PromoteAfter,
		CandidateLimit: cfg.CandidateLimit,
		StuckAfter:     cfg.StuckAfter,
	}, logger.Named("scheduler"))

	disp := dispatch.New(
		repo,
		a.publishers(),
		ratelimiter.NewThrottle(cfg.Channels),
		clk,
		dispatch.Options{
			Limits:         cfg.Channels,
			StuckAfter:     cfg.StuckAfter,
			PublishTimeout: cfg.PublishTimeout,
			Retry:          retry.NewPolicy(cfg.RetryBase, cfg.RetryMax, cfg.RetryJitter, cfg.MaxAttempts),
		},
		a.metrics.DispatchHooks(),
		logger.Named("dispatch"),
	)

	a.queue = service.NewPostingQueue(repo, engine, sched, disp, locker, clk, service.Options{
		Limits:       cfg.Channels,
		DedupWindow:  cfg.DedupWindow,
		PromoteAfter: cfg.PromoteAfter,
		StuckAfter:   cfg.StuckAfter,
		MaxAttempts:  cfg.MaxAttempts,
		MaxParallel:  cfg.MaxParallel,
	}, service.Hooks{OnEnqueue: a.metrics.OnEnqueue}, logger.Named("queue"))

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context) (repository.QueueRepository, error) {
	switch a.cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, a.cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(pool); err != nil {
			return nil, err
		}
		a.logger.Info("database migrations applied")
		return repository.NewPgQueueRepository(pool), nil

	case config.StoreSQLite:
		gdb, err := db.OpenSQLite(a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		}
		return repository.NewSQLiteQueueRepository(gdb)

	case config.StoreMemory:
		a.logger.Warn("using in-memory store: nothing survives this process")
		return repository.NewMemoryQueueRepository(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
}

func (a *app) openLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisURL == "" {
		return lock.NewLocal(), nil
	}
	client, err := lock.Connect(ctx, a.cfg.RedisURL, 5, 2*time.Second)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return lock.NewRedis(client, a.cfg.LockTTL), nil
}

// publishers registers a Telegram bot publisher when credentials are set
// and routes the webhook channels (all remaining channels if none are
// listed) through the relay. Channels left without a publisher dead-letter
// their items at dispatch.
func (a *app) publishers() *publisher.Registry {
	reg := publisher.NewRegistry()

	if _, ok := a.cfg.Channels[domain.ChannelTelegram]; ok && a.cfg.TelegramBotToken != "" && a.cfg.TelegramChatID != "" {
		reg.Register(domain.ChannelTelegram, publisher.NewTelegramPublisher(
			a.cfg.TelegramAPIURL, a.cfg.TelegramBotToken, a.cfg.TelegramChatID, a.cfg.PublishTimeout,
		))
	}

	if a.cfg.WebhookURL != "" {
		wh := publisher.NewWebhookPublisher(a.cfg.WebhookURL, a.cfg.PublishTimeout)
		if len(a.cfg.WebhookChannels) > 0 {
			for _, name := range a.cfg.WebhookChannels {
				reg.Register(domain.Channel(strings.TrimSpace(name)), wh)
			}
		} else {
			for ch := range a.cfg.Channels {
				if _, err := reg.Get(ch); err != nil {
					reg.Register(ch, wh)
				}
			}
		}
	}

	for ch := range a.cfg.Channels {
		if _, err := reg.Get(ch); err != nil {
			a.logger.Warn("no publisher configured, items will be dead-lettered", zap.String("channel", string(ch)))
		}
	}
	return reg
}
