package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/repository"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newItem(id string, ch domain.Channel, hash string, at time.Time) *domain.QueueItem {
	return &domain.QueueItem{
		ID:          id,
		Content:     "content " + id,
		ContentHash: hash,
		Channel:     ch,
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusPending,
		MaxAttempts: 3,
		Source:      "test",
		Metadata:    map[string]string{"k": "v"},
		CreatedAt:   at,
		ScheduledAt: at,
		UpdatedAt:   at,
	}
}

func opts(now time.Time) repository.EnqueueOptions {
	return repository.EnqueueOptions{Now: now, DedupWindow: 6 * time.Hour}
}

// runContract exercises the behaviour every QueueRepository must share.
func runContract(t *testing.T, newRepo func(t *testing.T) repository.QueueRepository) {
	ctx := context.Background()

	t.Run("enqueue and get", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTelegram, "h1", t0), opts(t0)))

		got, err := repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, "v", got.Metadata["k"])
		assert.True(t, got.CreatedAt.Equal(t0))

		_, err = repo.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("duplicate within window", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTelegram, "h1", t0), opts(t0)))

		err := repo.Enqueue(ctx, newItem("b", domain.ChannelLinkedIn, "h1", t0.Add(time.Hour)), opts(t0.Add(time.Hour)))
		assert.ErrorIs(t, err, domain.ErrDuplicate)
		_, err = repo.GetByID(ctx, "b")
		assert.ErrorIs(t, err, domain.ErrNotFound, "duplicate must not be persisted")

		later := t0.Add(6 * time.Hour)
		require.NoError(t, repo.Enqueue(ctx, newItem("c", domain.ChannelTelegram, "h1", later), opts(later)))
		rec, err := repo.LookupDedup(ctx, "h1")
		require.NoError(t, err)
		assert.True(t, rec.FirstSeenAt.Equal(later))
	})

	t.Run("backlog bound", func(t *testing.T) {
		repo := newRepo(t)
		o := opts(t0)
		o.MaxPending = 2
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTwitter, "h1", t0), o))
		require.NoError(t, repo.Enqueue(ctx, newItem("b", domain.ChannelTwitter, "h2", t0), o))
		assert.ErrorIs(t, repo.Enqueue(ctx, newItem("c", domain.ChannelTwitter, "h3", t0), o), domain.ErrRateLimited)
		require.NoError(t, repo.Enqueue(ctx, newItem("d", domain.ChannelTelegram, "h4", t0), o))

		_, err := repo.LookupDedup(ctx, "h3")
		assert.ErrorIs(t, err, domain.ErrNotFound, "rejected enqueue must not record the hash")
	})

	t.Run("list due respects schedule and order", func(t *testing.T) {
		repo := newRepo(t)
		late := newItem("late", domain.ChannelTelegram, "h1", t0)
		late.ScheduledAt = t0.Add(time.Hour)
		require.NoError(t, repo.Enqueue(ctx, late, opts(t0)))
		require.NoError(t, repo.Enqueue(ctx, newItem("second", domain.ChannelTelegram, "h2", t0.Add(time.Minute)), opts(t0)))
		require.NoError(t, repo.Enqueue(ctx, newItem("first", domain.ChannelTelegram, "h3", t0), opts(t0)))

		due, err := repo.ListDue(ctx, t0.Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "first", due[0].ID)
		assert.Equal(t, "second", due[1].ID)
	})

	t.Run("claim post lifecycle", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTelegram, "h1", t0), opts(t0)))

		claimed, err := repo.Claim(ctx, "a", repository.ClaimRequest{Now: t0, StuckAfter: 2 * time.Hour})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInFlight, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)

		_, err = repo.Claim(ctx, "a", repository.ClaimRequest{Now: t0})
		assert.ErrorIs(t, err, domain.ErrNotPending)

		snap, err := repo.RateSnapshot(ctx, domain.ChannelTelegram, t0, 2*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.InFlight)
		assert.Equal(t, 1, snap.InFlightRecent)

		postedAt := t0.Add(time.Second)
		posted, err := repo.MarkPosted(ctx, "a", postedAt)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPosted, posted.Status)

		_, err = repo.MarkPosted(ctx, "a", postedAt)
		assert.ErrorIs(t, err, domain.ErrNotInFlight, "terminal state is idempotent")

		snap, err = repo.RateSnapshot(ctx, domain.ChannelTelegram, postedAt, 2*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.HourCount)
		assert.Equal(t, 1, snap.DayCount)
		assert.Equal(t, 0, snap.InFlight)
		require.NotNil(t, snap.LastPostAt)
		assert.True(t, snap.LastPostAt.Equal(postedAt))

		rec, err := repo.LookupDedup(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelTelegram}, rec.ChannelsPosted)

		recent, err := repo.RecentPosts(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "a", recent[0].ItemID)

		states, err := repo.RateStates(ctx)
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, 1, states[0].CountInWindow)

		// Rolling window: one hour later the post no longer counts hourly.
		snap, err = repo.RateSnapshot(ctx, domain.ChannelTelegram, postedAt.Add(time.Hour), 2*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, snap.HourCount)
		assert.Equal(t, 1, snap.DayCount)
	})

	t.Run("claim admit rejection leaves item pending", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTelegram, "h1", t0), opts(t0)))

		_, err := repo.Claim(ctx, "a", repository.ClaimRequest{
			Now:   t0,
			Admit: func(domain.RateSnapshot) error { return domain.ErrRateLimited },
		})
		assert.ErrorIs(t, err, domain.ErrRateLimited)

		got, err := repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, 0, got.Attempts)
	})

	t.Run("reschedule and dead letter", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTelegram, "h1", t0), opts(t0)))
		_, err := repo.Claim(ctx, "a", repository.ClaimRequest{Now: t0})
		require.NoError(t, err)

		require.NoError(t, repo.Reschedule(ctx, "a", t0.Add(time.Minute), "timeout", t0))
		got, err := repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.ScheduledAt.Equal(t0.Add(time.Minute)))
		require.NotNil(t, got.LastError)
		assert.Equal(t, "timeout", *got.LastError)

		assert.ErrorIs(t, repo.DeadLetter(ctx, "a", "x", t0), domain.ErrNotInFlight)

		_, err = repo.Claim(ctx, "a", repository.ClaimRequest{Now: t0.Add(time.Minute)})
		require.NoError(t, err)
		require.NoError(t, repo.DeadLetter(ctx, "a", "fatal", t0.Add(time.Minute)))
		got, err = repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDeadLettered, got.Status)
		assert.Equal(t, 2, got.Attempts)
	})

	t.Run("cancel only pending", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTelegram, "h1", t0), opts(t0)))
		require.NoError(t, repo.Enqueue(ctx, newItem("b", domain.ChannelTelegram, "h2", t0), opts(t0)))
		_, err := repo.Claim(ctx, "b", repository.ClaimRequest{Now: t0})
		require.NoError(t, err)

		require.NoError(t, repo.Cancel(ctx, "a", "rejected", t0))
		assert.ErrorIs(t, repo.Cancel(ctx, "a", "", t0), domain.ErrNotPending)
		assert.ErrorIs(t, repo.Cancel(ctx, "b", "", t0), domain.ErrNotPending)
		assert.ErrorIs(t, repo.Cancel(ctx, "zzz", "", t0), domain.ErrNotFound)

		got, err := repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, got.Status)
	})

	t.Run("stuck resolution", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("a", domain.ChannelTelegram, "h1", t0), opts(t0)))
		require.NoError(t, repo.Enqueue(ctx, newItem("b", domain.ChannelTelegram, "h2", t0), opts(t0)))
		_, err := repo.Claim(ctx, "a", repository.ClaimRequest{Now: t0})
		require.NoError(t, err)
		_, err = repo.Claim(ctx, "b", repository.ClaimRequest{Now: t0})
		require.NoError(t, err)

		now := t0.Add(3 * time.Hour)
		cutoff := now.Add(-2 * time.Hour)
		stuck, err := repo.FindStuck(ctx, cutoff)
		require.NoError(t, err)
		assert.Len(t, stuck, 2)

		assert.ErrorIs(t, repo.ForceRequeue(ctx, "a", t0.Add(-time.Minute), now), domain.ErrNotStuck)
		require.NoError(t, repo.ForceRequeue(ctx, "a", cutoff, now))
		require.NoError(t, repo.ForceFail(ctx, "b", "gave up", cutoff, now))
		assert.ErrorIs(t, repo.ForceFail(ctx, "a", "x", cutoff, now), domain.ErrNotInFlight)

		a, err := repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, a.Status)
		assert.Nil(t, a.ClaimedAt)
		b, err := repo.GetByID(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, b.Status)
	})

	t.Run("counts and list", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 3; i++ {
			at := t0.Add(time.Duration(i) * time.Minute)
			require.NoError(t, repo.Enqueue(ctx, newItem(fmt.Sprintf("t%d", i), domain.ChannelTelegram, fmt.Sprintf("ht%d", i), at), opts(at)))
		}
		require.NoError(t, repo.Enqueue(ctx, newItem("l0", domain.ChannelLinkedIn, "hl0", t0), opts(t0)))
		require.NoError(t, repo.Cancel(ctx, "t0", "", t0))

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[domain.StatusPending])
		assert.Equal(t, 1, counts[domain.StatusCancelled])
		assert.Equal(t, 0, counts[domain.StatusPosted])

		byCh, err := repo.CountByChannel(ctx, domain.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 2, byCh[domain.ChannelTelegram])
		assert.Equal(t, 1, byCh[domain.ChannelLinkedIn])

		pending := domain.StatusPending
		tg := domain.ChannelTelegram
		items, err := repo.List(ctx, domain.ListFilter{Status: &pending, Channel: &tg})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "t2", items[0].ID, "newest first")

		items, err = repo.List(ctx, domain.ListFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("cleanup", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, newItem("old", domain.ChannelTelegram, "h1", t0), opts(t0)))
		_, err := repo.Claim(ctx, "old", repository.ClaimRequest{Now: t0})
		require.NoError(t, err)
		_, err = repo.MarkPosted(ctx, "old", t0)
		require.NoError(t, err)
		require.NoError(t, repo.Enqueue(ctx, newItem("keep", domain.ChannelTelegram, "h2", t0), opts(t0)))

		now := t0.Add(8 * 24 * time.Hour)
		before := now.Add(-7 * 24 * time.Hour)

		n, err := repo.DeleteTerminalItems(ctx, before)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = repo.DeleteDedupRecords(ctx, before)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		n, err = repo.DeletePostLog(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = repo.DeleteIdleRateStates(ctx, before)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = repo.GetByID(ctx, "keep")
		require.NoError(t, err, "pending items are never cleaned up")
	})

	t.Run("claim dead-letters exhausted item", func(t *testing.T) {
		repo := newRepo(t)
		it := newItem("a", domain.ChannelTelegram, "h1", t0)
		it.MaxAttempts = 2
		require.NoError(t, repo.Enqueue(ctx, it, opts(t0)))

		req := repository.ClaimRequest{Now: t0, StuckAfter: time.Hour}
		for range 2 {
			_, err := repo.Claim(ctx, "a", req)
			require.NoError(t, err)
			require.NoError(t, repo.Reschedule(ctx, "a", t0, "boom", t0))
		}

		_, err := repo.Claim(ctx, "a", req)
		assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)

		got, err := repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDeadLettered, got.Status)
		assert.Equal(t, 2, got.Attempts)
		require.NotNil(t, got.LastError)
		assert.Contains(t, *got.LastError, "boom")
	})

	t.Run("claim falls back to request budget", func(t *testing.T) {
		repo := newRepo(t)
		it := newItem("a", domain.ChannelTelegram, "h1", t0)
		it.MaxAttempts = 0
		require.NoError(t, repo.Enqueue(ctx, it, opts(t0)))

		req := repository.ClaimRequest{Now: t0, StuckAfter: time.Hour, MaxAttempts: 1}
		_, err := repo.Claim(ctx, "a", req)
		require.NoError(t, err)
		require.NoError(t, repo.Reschedule(ctx, "a", t0, "boom", t0))

		_, err = repo.Claim(ctx, "a", req)
		assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)
		got, err := repo.GetByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("concurrent enqueues of identical content", func(t *testing.T) {
		repo := newRepo(t)
		channels := []domain.Channel{domain.ChannelTelegram, domain.ChannelLinkedIn, domain.ChannelTwitter}

		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted, duplicates := 0, 0
		var other []error
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				it := newItem(fmt.Sprintf("d%d", i), channels[i%len(channels)], "same-post", t0)
				err := repo.Enqueue(ctx, it, opts(t0))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted++
				case errors.Is(err, domain.ErrDuplicate):
					duplicates++
				default:
					other = append(other, err)
				}
			}(i)
		}
		wg.Wait()

		assert.Empty(t, other)
		assert.Equal(t, 1, accepted)
		assert.Equal(t, 29, duplicates)

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[domain.StatusPending])
	})

	t.Run("concurrent claims respect admit", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 8; i++ {
			require.NoError(t, repo.Enqueue(ctx, newItem(fmt.Sprintf("c%d", i), domain.ChannelTwitter, fmt.Sprintf("hc%d", i), t0), opts(t0)))
		}

		admit := func(s domain.RateSnapshot) error {
			if s.HourCount+s.InFlight >= 3 {
				return domain.ErrRateLimited
			}
			return nil
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		claimed := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := repo.Claim(ctx, id, repository.ClaimRequest{Now: t0, StuckAfter: time.Hour, Admit: admit}); err == nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}(fmt.Sprintf("c%d", i))
		}
		wg.Wait()
		assert.Equal(t, 3, claimed)
	})
}

func TestMemoryQueueRepository(t *testing.T) {
	runContract(t, func(*testing.T) repository.QueueRepository {
		return repository.NewMemoryQueueRepository()
	})
}
