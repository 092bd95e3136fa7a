package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/dispatch"
	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/fingerprint"
	"github.com/notifyhub/posting-queue/internal/lock"
	"github.com/notifyhub/posting-queue/internal/ratelimiter"
	"github.com/notifyhub/posting-queue/internal/repository"
	"github.com/notifyhub/posting-queue/internal/scheduler"
)

// recentPostsShown is how many post log rows GetStatus returns.
const recentPostsShown = 10

type Options struct {
	Limits       map[domain.Channel]domain.ChannelLimits
	DedupWindow  time.Duration
	PromoteAfter time.Duration
	StuckAfter   time.Duration
	MaxAttempts  int
	MaxParallel  int
}

// Hooks are metric callbacks; nil fields are no-ops.
type Hooks struct {
	OnEnqueue func(ch domain.Channel, result string)
}

// PostingQueue is the single entry point for producers, the daemon, the
// HTTP API and the CLI. It owns admission (validation, dedup, backlog
// bound) and fans a selected batch out to per-channel dispatch.
type PostingQueue struct {
	repo   repository.QueueRepository
	engine *fingerprint.Engine
	sched  *scheduler.Scheduler
	disp   *dispatch.Dispatcher
	locker lock.Locker
	clock  clock.Clock
	opts   Options
	hooks  Hooks
	logger *zap.Logger

	duplicates atomic.Int64
}

func NewPostingQueue(
	repo repository.QueueRepository,
	engine *fingerprint.Engine,
	sched *scheduler.Scheduler,
	disp *dispatch.Dispatcher,
	locker lock.Locker,
	clk clock.Clock,
	opts Options,
	hooks Hooks,
	logger *zap.Logger,
) *PostingQueue {
	if hooks.OnEnqueue == nil {
		hooks.OnEnqueue = func(domain.Channel, string) {}
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &PostingQueue{
		repo: repo, engine: engine, sched: sched, disp: disp, locker: locker,
		clock: clk, opts: opts, hooks: hooks, logger: logger,
	}
}

func (s *PostingQueue) isChannel(ch domain.Channel) bool {
	_, ok := s.opts.Limits[ch]
	return ok
}

// Enqueue admits one post. Rejections (invalid, duplicate, backlog full)
// come back as a result with OK=false; the error is reserved for store
// failures.
func (s *PostingQueue) Enqueue(ctx context.Context, req domain.EnqueueRequest) (domain.EnqueueResult, error) {
	if err := req.Validate(s.isChannel); err != nil {
		s.hooks.OnEnqueue(req.Channel, string(domain.ReasonInvalid))
		return domain.EnqueueResult{Reason: domain.ReasonInvalid, Message: err.Error()}, nil
	}

	hash := fingerprint.Of(req.Content)
	dup, err := s.engine.IsDuplicate(ctx, hash)
	if err != nil {
		return domain.EnqueueResult{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if dup {
		return s.duplicate(req.Channel), nil
	}

	now := s.clock.Now()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	item := &domain.QueueItem{
		ID:          uuid.NewString(),
		Content:     req.Content,
		ContentHash: hash,
		Channel:     req.Channel,
		Priority:    req.Priority,
		Status:      domain.StatusPending,
		MaxAttempts: s.opts.MaxAttempts,
		Source:      req.Source,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		ScheduledAt: scheduledAt,
		UpdatedAt:   now,
	}

	limits := s.opts.Limits[req.Channel]
	err = s.repo.Enqueue(ctx, item, repository.EnqueueOptions{
		Now:         now,
		DedupWindow: s.opts.DedupWindow,
		MaxPending:  limits.PendingCap(),
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicate):
		return s.duplicate(req.Channel), nil
	case errors.Is(err, domain.ErrRateLimited):
		s.hooks.OnEnqueue(req.Channel, string(domain.ReasonRateLimited))
		return domain.EnqueueResult{
			Reason:  domain.ReasonRateLimited,
			Message: fmt.Sprintf("%s backlog is at capacity (%d)", req.Channel, limits.PendingCap()),
		}, nil
	default:
		return domain.EnqueueResult{}, fmt.Errorf("persist item: %w", err)
	}

	s.engine.Remember(hash, now)
	s.hooks.OnEnqueue(req.Channel, "accepted")
	s.logger.Info("item enqueued",
		zap.String("item_id", item.ID),
		zap.String("channel", string(item.Channel)),
		zap.String("priority", string(item.Priority)),
		zap.String("source", item.Source),
	)
	return domain.EnqueueResult{OK: true, ItemID: item.ID}, nil
}

func (s *PostingQueue) duplicate(ch domain.Channel) domain.EnqueueResult {
	s.duplicates.Add(1)
	s.hooks.OnEnqueue(ch, string(domain.ReasonDuplicate))
	return domain.EnqueueResult{Reason: domain.ReasonDuplicate, Message: domain.ErrDuplicate.Error()}
}

// ProcessQueue selects up to maxItems due items and dispatches them.
// Channels run in parallel; items of one channel run in order while that
// channel's lock is held.
func (s *PostingQueue) ProcessQueue(ctx context.Context, maxItems int) (domain.ProcessResult, error) {
	var result domain.ProcessResult
	if maxItems < 0 {
		return result, fmt.Errorf("max items %d: %w", maxItems, domain.ErrInvalidArgument)
	}

	batch, err := s.sched.SelectBatch(ctx, maxItems)
	if err != nil {
		return result, err
	}
	result.Skipped = batch.Skipped
	if len(batch.Items) == 0 {
		return result, nil
	}

	var order []domain.Channel
	byChannel := make(map[domain.Channel][]*domain.QueueItem)
	for _, it := range batch.Items {
		if _, ok := byChannel[it.Channel]; !ok {
			order = append(order, it.Channel)
		}
		byChannel[it.Channel] = append(byChannel[it.Channel], it)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)

	for _, ch := range order {
		items := byChannel[ch]
		g.Go(func() error {
			part, err := s.dispatchChannel(gctx, ch, items)
			mu.Lock()
			result.Add(part)
			mu.Unlock()
			return err
		})
	}

	err = g.Wait()
	s.logger.Info("queue processed",
		zap.Int("posted", result.Posted),
		zap.Int("failed", result.Failed),
		zap.Int("dead_lettered", result.DeadLettered),
		zap.Int("skipped", result.Skipped),
	)
	return result, err
}

func (s *PostingQueue) dispatchChannel(ctx context.Context, ch domain.Channel, items []*domain.QueueItem) (domain.ProcessResult, error) {
	var part domain.ProcessResult

	unlock, err := s.locker.Lock(ctx, ch)
	if err != nil {
		return part, fmt.Errorf("lock %s: %w", ch, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("channel lock release failed", zap.String("channel", string(ch)), zap.Error(err))
		}
	}()

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		out, err := s.disp.Dispatch(ctx, it)
		if err != nil {
			return part, err
		}
		switch out.Kind {
		case dispatch.KindPosted:
			part.Posted++
		case dispatch.KindRetried:
			part.Failed++
		case dispatch.KindDeadLettered:
			part.DeadLettered++
		case dispatch.KindSkipped:
			part.Skipped++
		}
	}
	return part, nil
}

// GetStatus builds the operator snapshot.
func (s *PostingQueue) GetStatus(ctx context.Context) (domain.QueueStatus, error) {
	now := s.clock.Now()
	st := domain.QueueStatus{GeneratedAt: now, DuplicatesPrevented: s.duplicates.Load()}

	var err error
	if st.Counts, err = s.repo.CountByStatus(ctx); err != nil {
		return st, fmt.Errorf("count by status: %w", err)
	}
	if st.Channels, err = s.channelStatuses(ctx, now); err != nil {
		return st, err
	}
	if st.RecentPosts, err = s.repo.RecentPosts(ctx, recentPostsShown); err != nil {
		return st, fmt.Errorf("recent posts: %w", err)
	}

	dead := domain.StatusDeadLettered
	if st.DeadLettered, err = s.repo.List(ctx, domain.ListFilter{Status: &dead, Limit: recentPostsShown}); err != nil {
		return st, fmt.Errorf("list dead-lettered: %w", err)
	}

	stuck, err := s.repo.FindStuck(ctx, now.Add(-s.opts.StuckAfter))
	if err != nil {
		return st, fmt.Errorf("find stuck: %w", err)
	}
	st.Stuck = len(stuck)
	return st, nil
}

func (s *PostingQueue) channelStatuses(ctx context.Context, now time.Time) ([]domain.ChannelStatus, error) {
	pending, err := s.repo.CountByChannel(ctx, domain.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	states, err := s.repo.RateStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate states: %w", err)
	}
	stateOf := make(map[domain.Channel]*domain.ChannelRateState, len(states))
	for i := range states {
		stateOf[states[i].Channel] = &states[i]
	}

	out := make([]domain.ChannelStatus, 0, len(s.opts.Limits))
	for _, ch := range s.channels() {
		limits := s.opts.Limits[ch]
		snap, err := s.repo.RateSnapshot(ctx, ch, now, s.opts.StuckAfter)
		if err != nil {
			return nil, fmt.Errorf("rate snapshot %s: %w", ch, err)
		}

		cs := domain.ChannelStatus{
			Channel:    ch,
			Limits:     limits,
			PostedHour: snap.HourCount,
			PostedDay:  snap.DayCount,
			InFlight:   snap.InFlight,
			Pending:    pending[ch],
			LastPostAt: snap.LastPostAt,
			AtCeiling:  ratelimiter.AtCeiling(limits, snap),
			RateState:  stateOf[ch],
		}
		var le *ratelimiter.LimitError
		if err := ratelimiter.Evaluate(limits, snap, domain.PriorityNormal, now); errors.As(err, &le) {
			cs.NextEligible = le.RetryAt
		}
		out = append(out, cs)
	}
	return out, nil
}

func (s *PostingQueue) channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(s.opts.Limits))
	for ch := range s.opts.Limits {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cleanup removes terminal items, post log rows and idle rate state older
// than retentionDays. Dedup records are kept for at least one dedup window
// so cleanup can never re-admit a recent duplicate. Every table is attempted
// even if an earlier one fails.
func (s *PostingQueue) Cleanup(ctx context.Context, retentionDays int) (domain.CleanupResult, error) {
	var res domain.CleanupResult
	if retentionDays < 1 {
		return res, fmt.Errorf("retention %d days: %w", retentionDays, domain.ErrInvalidArgument)
	}

	now := s.clock.Now()
	retention := time.Duration(retentionDays) * 24 * time.Hour
	before := now.Add(-retention)
	dedupBefore := now.Add(-max(retention, s.opts.DedupWindow))

	var errs *multierror.Error
	var err error
	if res.Items, err = s.repo.DeleteTerminalItems(ctx, before); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("items: %w", err))
	}
	if res.Dedup, err = s.repo.DeleteDedupRecords(ctx, dedupBefore); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("dedup records: %w", err))
	}
	// The post log backs the 24h rolling window and the recent-posts list.
	if res.PostLog, err = s.repo.DeletePostLog(ctx, now.Add(-max(retention, 24*time.Hour))); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("post log: %w", err))
	}
	if res.RateStates, err = s.repo.DeleteIdleRateStates(ctx, before); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("rate states: %w", err))
	}
	s.engine.Prune()

	s.logger.Info("cleanup finished",
		zap.Int("retention_days", retentionDays),
		zap.Int64("items", res.Items),
		zap.Int64("dedup", res.Dedup),
		zap.Int64("post_log", res.PostLog),
		zap.Int64("rate_states", res.RateStates),
	)
	return res, errs.ErrorOrNil()
}

// Cancel withdraws a pending item.
func (s *PostingQueue) Cancel(ctx context.Context, id string) (domain.CancelResult, error) {
	return s.Reject(ctx, id, "")
}

// Reject is Cancel with an operator-supplied reason kept in last_error.
func (s *PostingQueue) Reject(ctx context.Context, id, reason string) (domain.CancelResult, error) {
	err := s.repo.Cancel(ctx, id, reason, s.clock.Now())
	switch {
	case err == nil:
		s.logger.Info("item cancelled", zap.String("item_id", id), zap.String("reason", reason))
		return domain.CancelResult{OK: true}, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.CancelResult{Reason: domain.ReasonNotFound}, nil
	case errors.Is(err, domain.ErrNotPending):
		return domain.CancelResult{Reason: domain.ReasonAlreadyDispatched}, nil
	default:
		return domain.CancelResult{}, fmt.Errorf("cancel %s: %w", id, err)
	}
}

func (s *PostingQueue) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *PostingQueue) List(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, error) {
	return s.repo.List(ctx, filter)
}

// HealthCheck reports stuck items, channels at a ceiling and backlog sizes.
func (s *PostingQueue) HealthCheck(ctx context.Context) (domain.HealthReport, error) {
	now := s.clock.Now()
	rep := domain.HealthReport{CheckedAt: now}

	var err error
	if rep.Stuck, err = s.repo.FindStuck(ctx, now.Add(-s.opts.StuckAfter)); err != nil {
		return rep, fmt.Errorf("find stuck: %w", err)
	}
	if rep.Counts, err = s.repo.CountByStatus(ctx); err != nil {
		return rep, fmt.Errorf("count by status: %w", err)
	}
	rep.Pending = rep.Counts[domain.StatusPending]
	rep.DeadLettered = rep.Counts[domain.StatusDeadLettered]

	for _, ch := range s.channels() {
		snap, err := s.repo.RateSnapshot(ctx, ch, now, s.opts.StuckAfter)
		if err != nil {
			return rep, fmt.Errorf("rate snapshot %s: %w", ch, err)
		}
		if ratelimiter.AtCeiling(s.opts.Limits[ch], snap) {
			rep.ChannelsAtLimit = append(rep.ChannelsAtLimit, ch)
		}
	}
	return rep, nil
}

// ForceRequeue returns a stuck in-flight item to pending for immediate
// dispatch. Items claimed more recently than the stuck timeout are refused.
func (s *PostingQueue) ForceRequeue(ctx context.Context, id string) error {
	now := s.clock.Now()
	if err := s.repo.ForceRequeue(ctx, id, now.Add(-s.opts.StuckAfter), now); err != nil {
		return err
	}
	s.logger.Warn("stuck item requeued", zap.String("item_id", id))
	return nil
}

// ForceFail moves a stuck in-flight item to failed.
func (s *PostingQueue) ForceFail(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "failed by operator"
	}
	now := s.clock.Now()
	if err := s.repo.ForceFail(ctx, id, reason, now.Add(-s.opts.StuckAfter), now); err != nil {
		return err
	}
	s.logger.Warn("stuck item failed", zap.String("item_id", id), zap.String("reason", reason))
	return nil
}

// QueuePosition locates a pending item among its channel's pending items in
// the order the scheduler would pick them.
func (s *PostingQueue) QueuePosition(ctx context.Context, id string) (domain.QueuePosition, error) {
	it, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.QueuePosition{}, err
	}
	if it.Status != domain.StatusPending {
		return domain.QueuePosition{}, domain.ErrNotPending
	}

	pending := domain.StatusPending
	items, err := s.repo.List(ctx, domain.ListFilter{Status: &pending, Channel: &it.Channel})
	if err != nil {
		return domain.QueuePosition{}, fmt.Errorf("list pending: %w", err)
	}
	scheduler.Order(items, s.clock.Now(), s.opts.PromoteAfter)

	pos := domain.QueuePosition{ItemID: id, Channel: it.Channel, Total: len(items)}
	for i, other := range items {
		if other.ID == id {
			pos.Position = i + 1
			pos.Ahead = i
			break
		}
	}
	return pos, nil
}

// DuplicatesPrevented counts enqueue calls rejected as duplicates since start.
func (s *PostingQueue) DuplicatesPrevented() int64 {
	return s.duplicates.Load()
}
