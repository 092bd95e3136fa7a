package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/dispatch"
	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/fingerprint"
	"github.com/notifyhub/posting-queue/internal/publisher"
	"github.com/notifyhub/posting-queue/internal/ratelimiter"
	"github.com/notifyhub/posting-queue/internal/repository"
	"github.com/notifyhub/posting-queue/internal/retry"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	repo     *repository.MemoryQueueRepository
	clk      *clock.Fake
	pub      *publisher.Fake
	d        *dispatch.Dispatcher
	outcomes []dispatch.Kind
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newThrottledFixture(t, nil)
}

func newThrottledFixture(t *testing.T, throttle *ratelimiter.Throttle) *fixture {
	t.Helper()
	f := &fixture{
		repo: repository.NewMemoryQueueRepository(),
		clk:  clock.NewFake(t0),
		pub:  publisher.NewFake(),
	}
	reg := publisher.NewRegistry()
	reg.Register(domain.ChannelTelegram, f.pub)
	reg.Register(domain.ChannelTwitter, f.pub)

	opts := dispatch.Options{
		Limits: map[domain.Channel]domain.ChannelLimits{
			domain.ChannelTelegram: {HourlyLimit: 10, DailyLimit: 50, MinGap: 0},
			domain.ChannelTwitter:  {HourlyLimit: 1, DailyLimit: 20, MinGap: 30 * time.Minute},
		},
		StuckAfter:     2 * time.Hour,
		PublishTimeout: time.Second,
		Retry:          retry.NewPolicy(time.Minute, time.Hour, 0, 3),
	}
	hooks := dispatch.Hooks{
		OnOutcome: func(_ domain.Channel, k dispatch.Kind) { f.outcomes = append(f.outcomes, k) },
	}
	f.d = dispatch.New(f.repo, reg, throttle, f.clk, opts, hooks, zap.NewNop())
	return f
}

func (f *fixture) enqueue(t *testing.T, id string, ch domain.Channel, content string) *domain.QueueItem {
	t.Helper()
	now := f.clk.Now()
	it := &domain.QueueItem{
		ID: id, Content: content, ContentHash: fingerprint.Of(content),
		Channel: ch, Priority: domain.PriorityNormal, Status: domain.StatusPending,
		MaxAttempts: 3, CreatedAt: now, ScheduledAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.repo.Enqueue(context.Background(), it, repository.EnqueueOptions{Now: now, DedupWindow: time.Hour}))
	return it
}

func TestDispatch_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.enqueue(t, "a", domain.ChannelTelegram, "hello")

	out, err := f.d.Dispatch(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindPosted, out.Kind)

	got, err := f.repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.PostedAt)

	rec, err := f.repo.LookupDedup(ctx, it.ContentHash)
	require.NoError(t, err)
	assert.Contains(t, rec.ChannelsPosted, domain.ChannelTelegram)
	assert.Equal(t, []dispatch.Kind{dispatch.KindPosted}, f.outcomes)
}

func TestDispatch_TransientFailureReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.enqueue(t, "a", domain.ChannelTelegram, "hello")
	f.pub.Push(publisher.Transient(errors.New("503")))

	out, err := f.d.Dispatch(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindRetried, out.Kind)

	got, err := f.repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, t0.Add(time.Minute), got.ScheduledAt)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "503")
}

func TestDispatch_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "a", domain.ChannelTelegram, "hello")
	f.pub.DefaultErr = publisher.Transient(errors.New("flaky"))

	var kinds []dispatch.Kind
	for range 3 {
		it, err := f.repo.GetByID(ctx, "a")
		require.NoError(t, err)
		f.clk.Set(it.ScheduledAt)
		out, err := f.d.Dispatch(ctx, it)
		require.NoError(t, err)
		kinds = append(kinds, out.Kind)
	}

	assert.Equal(t, []dispatch.Kind{dispatch.KindRetried, dispatch.KindRetried, dispatch.KindDeadLettered}, kinds)
	got, err := f.repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Len(t, f.pub.Calls(), 3)
}

func TestDispatch_FatalDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.enqueue(t, "a", domain.ChannelTelegram, "hello")
	f.pub.Push(publisher.Fatal(errors.New("content rejected")))

	out, err := f.d.Dispatch(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindDeadLettered, out.Kind)

	got, err := f.repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestDispatch_NoPublisherDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.enqueue(t, "a", domain.ChannelLinkedIn, "hello")

	out, err := f.d.Dispatch(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindDeadLettered, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrNoPublisher)
	assert.Empty(t, f.pub.Calls())
}

func TestDispatch_CapacityRejectionSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.enqueue(t, "a", domain.ChannelTwitter, "one")
	second := f.enqueue(t, "b", domain.ChannelTwitter, "two")

	out, err := f.d.Dispatch(ctx, first)
	require.NoError(t, err)
	require.Equal(t, dispatch.KindPosted, out.Kind)

	f.clk.Advance(time.Hour - time.Minute)
	out, err = f.d.Dispatch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindSkipped, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrRateLimited)

	got, err := f.repo.GetByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestDispatch_CancelledItemSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.enqueue(t, "a", domain.ChannelTelegram, "hello")
	require.NoError(t, f.repo.Cancel(ctx, "a", "operator", t0))

	out, err := f.d.Dispatch(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindSkipped, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrNotPending)
	assert.Empty(t, f.pub.Calls())
}

func TestDispatch_StoreFailureAfterPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.enqueue(t, "a", domain.ChannelTelegram, "hello")
	f.repo.MarkPostedErr = errors.New("disk full")

	_, err := f.d.Dispatch(ctx, it)
	require.Error(t, err)

	got, gerr := f.repo.GetByID(ctx, "a")
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusInFlight, got.Status)
}

func TestDispatch_PublishSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t)
	it := f.enqueue(t, "a", domain.ChannelTelegram, "hello")
	f.pub.Block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan dispatch.Outcome, 1)
	go func() {
		out, _ := f.d.Dispatch(ctx, it)
		done <- out
	}()

	require.Eventually(t, func() bool { return len(f.pub.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	close(f.pub.Block)

	out := <-done
	assert.Equal(t, dispatch.KindPosted, out.Kind)
}

func TestDispatch_InterruptedThrottleLeavesItemUntouched(t *testing.T) {
	throttle := ratelimiter.NewThrottle(map[domain.Channel]domain.ChannelLimits{
		domain.ChannelTelegram: {PublishRPS: 0.001},
	})
	require.NoError(t, throttle.Wait(context.Background(), domain.ChannelTelegram))

	f := newThrottledFixture(t, throttle)
	it := f.enqueue(t, "a", domain.ChannelTelegram, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 3 {
		out, err := f.d.Dispatch(ctx, it)
		require.NoError(t, err)
		assert.Equal(t, dispatch.KindSkipped, out.Kind)
	}

	got, err := f.repo.GetByID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Empty(t, f.pub.Calls())
}

func TestDispatch_RequeuedItemAtBudgetIsNotPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "a", domain.ChannelTelegram, "hello")
	f.pub.DefaultErr = publisher.Transient(errors.New("flaky"))

	// Two failed attempts, then a third that never reports back.
	for range 2 {
		it, err := f.repo.GetByID(ctx, "a")
		require.NoError(t, err)
		f.clk.Set(it.ScheduledAt)
		_, err = f.d.Dispatch(ctx, it)
		require.NoError(t, err)
	}
	_, err := f.repo.Claim(ctx, "a", repository.ClaimRequest{Now: f.clk.Now(), StuckAfter: 2 * time.Hour})
	require.NoError(t, err)
	f.clk.Advance(3 * time.Hour)
	require.NoError(t, f.repo.ForceRequeue(ctx, "a", f.clk.Now().Add(-2*time.Hour), f.clk.Now()))

	it, err := f.repo.GetByID(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 3, it.Attempts)

	out, err := f.d.Dispatch(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindDeadLettered, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrAttemptsExhausted)
	assert.Len(t, f.pub.Calls(), 2)

	got, err := f.repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, got.Status)
	assert.Equal(t, 3, got.Attempts)
}
