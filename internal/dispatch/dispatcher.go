// Package dispatch moves a single due item through claim, publish and
// commit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/publisher"
	"github.com/notifyhub/posting-queue/internal/ratelimiter"
	"github.com/notifyhub/posting-queue/internal/repository"
	"github.com/notifyhub/posting-queue/internal/retry"
)

// Kind is what happened to an item during one dispatch attempt.
type Kind string

const (
	KindPosted       Kind = "posted"
	KindRetried      Kind = "retried"
	KindDeadLettered Kind = "dead_lettered"
	KindSkipped      Kind = "skipped"
)

// Outcome reports a dispatch attempt. Err carries the publish error for
// retried and dead-lettered items, or the claim rejection for skipped ones.
type Outcome struct {
	Kind Kind
	Item *domain.QueueItem
	Err  error
}

// Store is the subset of the repository the dispatcher writes through.
type Store interface {
	Claim(ctx context.Context, id string, req repository.ClaimRequest) (*domain.QueueItem, error)
	MarkPosted(ctx context.Context, id string, postedAt time.Time) (*domain.QueueItem, error)
	Reschedule(ctx context.Context, id string, at time.Time, lastErr string, now time.Time) error
	DeadLetter(ctx context.Context, id string, lastErr string, now time.Time) error
}

type Options struct {
	Limits         map[domain.Channel]domain.ChannelLimits
	StuckAfter     time.Duration
	PublishTimeout time.Duration
	Retry          retry.Policy
}

// Hooks are metric callbacks injected by the caller so this package stays
// free of prometheus. Nil fields are no-ops.
type Hooks struct {
	OnPublish func(ch domain.Channel, latency time.Duration, err error)
	OnOutcome func(ch domain.Channel, kind Kind)
}

type Dispatcher struct {
	store    Store
	pubs     *publisher.Registry
	throttle *ratelimiter.Throttle
	clock    clock.Clock
	opts     Options
	hooks    Hooks
	logger   *zap.Logger
}

func New(
	store Store,
	pubs *publisher.Registry,
	throttle *ratelimiter.Throttle,
	clk clock.Clock,
	opts Options,
	hooks Hooks,
	logger *zap.Logger,
) *Dispatcher {
	if hooks.OnPublish == nil {
		hooks.OnPublish = func(domain.Channel, time.Duration, error) {}
	}
	if hooks.OnOutcome == nil {
		hooks.OnOutcome = func(domain.Channel, Kind) {}
	}
	if throttle == nil {
		throttle = ratelimiter.NewThrottle(nil)
	}
	return &Dispatcher{
		store: store, pubs: pubs, throttle: throttle, clock: clk,
		opts: opts, hooks: hooks, logger: logger,
	}
}

// Dispatch claims item, publishes it and commits the result. The returned
// error is reserved for store failures; publish failures and claim
// rejections are reported through the Outcome.
//
// Once an item is claimed, the publish call and the commit run to
// completion even if ctx is cancelled, so shutdown never strands an item
// in flight that was actually posted.
func (d *Dispatcher) Dispatch(ctx context.Context, item *domain.QueueItem) (Outcome, error) {
	log := d.logger.With(
		zap.String("item_id", item.ID),
		zap.String("channel", string(item.Channel)),
	)

	limits, known := d.opts.Limits[item.Channel]
	pub, pubErr := d.pubs.Get(item.Channel)
	if !known && pubErr == nil {
		pubErr = fmt.Errorf("%s: %w", item.Channel, domain.ErrInvalidChannel)
	}

	// Pace raw publisher calls before touching the store, so an interrupted
	// wait leaves the item exactly as it was.
	if pubErr == nil {
		if err := d.throttle.Wait(ctx, item.Channel); err != nil {
			log.Debug("throttle wait interrupted", zap.Error(err))
			return d.finish(Outcome{Kind: KindSkipped, Item: item, Err: err}), nil
		}
	}

	req := repository.ClaimRequest{
		Now:         d.clock.Now(),
		StuckAfter:  d.opts.StuckAfter,
		MaxAttempts: d.opts.Retry.MaxAttempts,
	}
	if pubErr == nil {
		req.Admit = func(s domain.RateSnapshot) error {
			return ratelimiter.Evaluate(limits, s, item.Priority, req.Now)
		}
	}

	claimed, err := d.store.Claim(ctx, item.ID, req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAttemptsExhausted):
		log.Error("post dead-lettered", zap.Error(err), zap.Int("attempts", item.Attempts))
		return d.finish(Outcome{Kind: KindDeadLettered, Item: item, Err: err}), nil
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrNotPending), errors.Is(err, domain.ErrNotFound):
		log.Debug("claim rejected", zap.Error(err))
		return d.finish(Outcome{Kind: KindSkipped, Item: item, Err: err}), nil
	default:
		return Outcome{Kind: KindSkipped, Item: item, Err: err}, fmt.Errorf("claim %s: %w", item.ID, err)
	}

	commitCtx := context.WithoutCancel(ctx)

	if pubErr != nil {
		return d.deadLetter(commitCtx, log, claimed, pubErr)
	}

	pubCtx, cancel := context.WithTimeout(commitCtx, d.opts.PublishTimeout)
	start := time.Now()
	err = pub.Publish(pubCtx, claimed.Channel, claimed.Content, claimed.Metadata)
	cancel()
	d.hooks.OnPublish(claimed.Channel, time.Since(start), err)

	if err == nil {
		posted, merr := d.store.MarkPosted(commitCtx, claimed.ID, d.clock.Now())
		if merr != nil {
			log.Error("published but failed to record post", zap.Error(merr))
			return Outcome{Kind: KindPosted, Item: claimed}, fmt.Errorf("mark posted %s: %w", claimed.ID, merr)
		}
		log.Info("post published", zap.Int("attempt", posted.Attempts))
		return d.finish(Outcome{Kind: KindPosted, Item: posted}), nil
	}

	if publisher.IsRetryable(err) && d.canRetry(claimed) {
		now := d.clock.Now()
		delay := d.opts.Retry.NextRetryDelay(claimed.Attempts)
		if rerr := d.store.Reschedule(commitCtx, claimed.ID, now.Add(delay), err.Error(), now); rerr != nil {
			return Outcome{Kind: KindRetried, Item: claimed, Err: err}, fmt.Errorf("reschedule %s: %w", claimed.ID, rerr)
		}
		log.Warn("publish failed, retry scheduled",
			zap.Error(err),
			zap.Int("attempt", claimed.Attempts),
			zap.Duration("delay", delay),
		)
		return d.finish(Outcome{Kind: KindRetried, Item: claimed, Err: err}), nil
	}

	return d.deadLetter(commitCtx, log, claimed, err)
}

func (d *Dispatcher) deadLetter(ctx context.Context, log *zap.Logger, item *domain.QueueItem, cause error) (Outcome, error) {
	if err := d.store.DeadLetter(ctx, item.ID, cause.Error(), d.clock.Now()); err != nil {
		return Outcome{Kind: KindDeadLettered, Item: item, Err: cause}, fmt.Errorf("dead-letter %s: %w", item.ID, err)
	}
	log.Error("post dead-lettered",
		zap.Error(cause),
		zap.Int("attempts", item.Attempts),
	)
	return d.finish(Outcome{Kind: KindDeadLettered, Item: item, Err: cause}), nil
}

func (d *Dispatcher) finish(o Outcome) Outcome {
	d.hooks.OnOutcome(o.Item.Channel, o.Kind)
	return o
}

// canRetry uses the attempt budget stamped on the item at enqueue, falling
// back to the policy for items without one.
func (d *Dispatcher) canRetry(item *domain.QueueItem) bool {
	if item.MaxAttempts > 0 {
		return item.Attempts < item.MaxAttempts
	}
	return d.opts.Retry.ShouldRetry(item.Attempts)
}
