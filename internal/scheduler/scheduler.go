// Package scheduler picks the next batch of due items to dispatch.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/ratelimiter"
)

// Store is the subset of the repository the scheduler reads.
type Store interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error)
	RateSnapshot(ctx context.Context, ch domain.Channel, now time.Time, stuckAfter time.Duration) (domain.RateSnapshot, error)
}

type Options struct {
	Limits         map[domain.Channel]domain.ChannelLimits
	PromoteAfter   time.Duration
	CandidateLimit int
	StuckAfter     time.Duration
}

// Batch is the outcome of one selection pass. Skipped counts candidates
// that were due but had no channel capacity; they are left untouched.
type Batch struct {
	Items   []*domain.QueueItem
	Skipped int
}

type Scheduler struct {
	store  Store
	clock  clock.Clock
	opts   Options
	logger *zap.Logger
}

func New(store Store, clk clock.Clock, opts Options, logger *zap.Logger) *Scheduler {
	return &Scheduler{store: store, clock: clk, opts: opts, logger: logger}
}

// SelectBatch orders due pending items by effective tier and age, then
// walks them keeping those whose channel still has capacity once earlier
// selections in the same batch are accounted for.
func (s *Scheduler) SelectBatch(ctx context.Context, maxItems int) (Batch, error) {
	var batch Batch
	if maxItems <= 0 {
		return batch, nil
	}

	now := s.clock.Now()
	candidates, err := s.store.ListDue(ctx, now, s.opts.CandidateLimit)
	if err != nil {
		return batch, fmt.Errorf("list due items: %w", err)
	}
	Order(candidates, now, s.opts.PromoteAfter)

	snaps := make(map[domain.Channel]domain.RateSnapshot)
	for _, it := range candidates {
		if len(batch.Items) == maxItems {
			break
		}

		limits, known := s.opts.Limits[it.Channel]
		if !known {
			// Selected anyway so dispatch can dead-letter it.
			batch.Items = append(batch.Items, it)
			continue
		}

		snap, ok := snaps[it.Channel]
		if !ok {
			snap, err = s.store.RateSnapshot(ctx, it.Channel, now, s.opts.StuckAfter)
			if err != nil {
				return batch, fmt.Errorf("rate snapshot: %w", err)
			}
		}

		if err := ratelimiter.Evaluate(limits, snap, it.Priority, now); err != nil {
			batch.Skipped++
			s.logger.Debug("candidate skipped",
				zap.String("item_id", it.ID),
				zap.String("channel", string(it.Channel)),
				zap.String("reason", err.Error()),
			)
			snaps[it.Channel] = snap
			continue
		}

		snaps[it.Channel] = snap.Reserve(now)
		batch.Items = append(batch.Items, it)
	}
	return batch, nil
}

// EffectiveTier is the declared tier raised by one for every promoteAfter
// the item has waited, capped at urgent. It affects ordering only.
func EffectiveTier(it *domain.QueueItem, now time.Time, promoteAfter time.Duration) int {
	tier := it.Priority.Tier()
	if promoteAfter > 0 {
		if age := now.Sub(it.CreatedAt); age > 0 {
			tier += int(age / promoteAfter)
		}
	}
	if max := domain.PriorityUrgent.Tier(); tier > max {
		tier = max
	}
	return tier
}

// Order sorts items by effective tier descending, then created_at and id
// ascending.
func Order(items []*domain.QueueItem, now time.Time, promoteAfter time.Duration) {
	sort.SliceStable(items, func(i, j int) bool {
		ti := EffectiveTier(items[i], now, promoteAfter)
		tj := EffectiveTier(items[j], now, promoteAfter)
		if ti != tj {
			return ti > tj
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
