package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/domain"
)

// Queue is the part of the posting queue the daemon drives.
type Queue interface {
	ProcessQueue(ctx context.Context, maxItems int) (domain.ProcessResult, error)
	HealthCheck(ctx context.Context) (domain.HealthReport, error)
	Cleanup(ctx context.Context, retentionDays int) (domain.CleanupResult, error)
}

type Options struct {
	Interval        time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	RetentionDays   int
}

// Hooks are metric callbacks; nil fields are no-ops.
type Hooks struct {
	OnHealth func(domain.HealthReport)
}

// Daemon runs the queue on a fixed interval: process a batch, check health,
// and clean up old rows when the cleanup interval has elapsed.
type Daemon struct {
	q      Queue
	clock  clock.Clock
	opts   Options
	hooks  Hooks
	logger *zap.Logger

	lastCleanup time.Time
}

func NewDaemon(q Queue, clk clock.Clock, opts Options, hooks Hooks, logger *zap.Logger) *Daemon {
	if hooks.OnHealth == nil {
		hooks.OnHealth = func(domain.HealthReport) {}
	}
	return &Daemon{q: q, clock: clk, opts: opts, hooks: hooks, logger: logger}
}

// Run performs one cycle immediately, then one per interval until ctx is
// cancelled. A cycle already in progress is allowed to finish its publish
// calls.
func (d *Daemon) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.logger.Info("queue daemon started",
		zap.Duration("interval", d.opts.Interval),
		zap.Int("batch_size", d.opts.BatchSize),
	)

	d.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("queue daemon stopping")
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cycle. Errors are logged, never returned, so
// one bad cycle does not stop the daemon.
func (d *Daemon) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	res, err := d.q.ProcessQueue(ctx, d.opts.BatchSize)
	if err != nil {
		d.logger.Error("process queue failed", zap.Error(err))
	} else if res.Posted+res.Failed+res.DeadLettered > 0 {
		d.logger.Info("cycle dispatched",
			zap.Int("posted", res.Posted),
			zap.Int("failed", res.Failed),
			zap.Int("dead_lettered", res.DeadLettered),
			zap.Int("skipped", res.Skipped),
		)
	}

	d.checkHealth(ctx)

	now := d.clock.Now()
	if d.lastCleanup.IsZero() || now.Sub(d.lastCleanup) >= d.opts.CleanupInterval {
		if _, err := d.q.Cleanup(ctx, d.opts.RetentionDays); err != nil {
			d.logger.Error("cleanup failed", zap.Error(err))
		}
		d.lastCleanup = now
	}
}

func (d *Daemon) checkHealth(ctx context.Context) {
	rep, err := d.q.HealthCheck(ctx)
	if err != nil {
		d.logger.Error("health check failed", zap.Error(err))
		return
	}
	d.hooks.OnHealth(rep)

	for _, it := range rep.Stuck {
		fields := []zap.Field{
			zap.String("item_id", it.ID),
			zap.String("channel", string(it.Channel)),
			zap.Int("attempts", it.Attempts),
		}
		if it.ClaimedAt != nil {
			fields = append(fields, zap.Duration("in_flight_for", rep.CheckedAt.Sub(*it.ClaimedAt)))
		}
		d.logger.Warn("item stuck in flight", fields...)
	}
	if len(rep.ChannelsAtLimit) > 0 {
		chs := make([]string, len(rep.ChannelsAtLimit))
		for i, ch := range rep.ChannelsAtLimit {
			chs[i] = string(ch)
		}
		d.logger.Info("channels at rate ceiling", zap.Strings("channels", chs))
	}
	if rep.DeadLettered > 0 {
		d.logger.Warn("dead-lettered items need attention", zap.Int("count", rep.DeadLettered))
	}
}
