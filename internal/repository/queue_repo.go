package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// EnqueueOptions carries the admission rules Enqueue applies atomically
// alongside the insert.
type EnqueueOptions struct {
	Now         time.Time
	DedupWindow time.Duration
	// MaxPending bounds pending + in_flight items on the channel. Zero means
	// no bound.
	MaxPending int
}

// ClaimRequest describes a claim attempt. Admit is evaluated against the
// channel's rate snapshot inside the claiming transaction; a non-nil return
// aborts the claim and is passed back to the caller unchanged.
//
// MaxAttempts is the budget for items stored without one. An item whose
// attempts already reach its budget is dead-lettered by Claim instead of
// claimed, and Claim returns domain.ErrAttemptsExhausted.
type ClaimRequest struct {
	Now         time.Time
	StuckAfter  time.Duration
	MaxAttempts int
	Admit       func(domain.RateSnapshot) error
}

func exhaustedMessage(it *domain.QueueItem) string {
	msg := fmt.Sprintf("attempt budget exhausted after %d attempts", it.Attempts)
	if it.LastError != nil && *it.LastError != "" {
		msg += ": " + *it.LastError
	}
	return msg
}

// QueueRepository defines all persistence operations for the posting queue.
// Implementations: PostgreSQL (pg_queue_repo.go), SQLite (sqlite_queue_repo.go)
// and the in-memory MemoryQueueRepository used by tests and --store memory.
//
// Every state transition checks the current status inside the same
// transaction that changes it, so callers never need to read-then-write.
type QueueRepository interface {
	// Enqueue inserts item as pending and records its fingerprint.
	// Returns domain.ErrDuplicate or domain.ErrRateLimited without writing.
	Enqueue(ctx context.Context, item *domain.QueueItem, opts EnqueueOptions) error
	LookupDedup(ctx context.Context, hash string) (*domain.DedupRecord, error)

	GetByID(ctx context.Context, id string) (*domain.QueueItem, error)
	// List returns items newest first. Limit 0 means no limit.
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, error)
	// ListDue returns pending items with scheduled_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error)

	RateSnapshot(ctx context.Context, ch domain.Channel, now time.Time, stuckAfter time.Duration) (domain.RateSnapshot, error)

	// Claim moves a pending item to in_flight and increments attempts.
	// Errors: domain.ErrNotFound, domain.ErrNotPending,
	// domain.ErrAttemptsExhausted, or Admit's error.
	Claim(ctx context.Context, id string, req ClaimRequest) (*domain.QueueItem, error)
	// MarkPosted commits a successful publish: item status, post log row,
	// channel rate state and the dedup record's channel set, in one transaction.
	MarkPosted(ctx context.Context, id string, postedAt time.Time) (*domain.QueueItem, error)
	// Reschedule returns an in_flight item to pending for a later retry.
	Reschedule(ctx context.Context, id string, at time.Time, lastErr string, now time.Time) error
	DeadLetter(ctx context.Context, id string, lastErr string, now time.Time) error
	// Cancel only succeeds on pending items.
	Cancel(ctx context.Context, id string, reason string, now time.Time) error
	// ForceRequeue and ForceFail resolve in_flight items claimed at or before
	// claimedBefore. Newer claims return domain.ErrNotStuck.
	ForceRequeue(ctx context.Context, id string, claimedBefore, now time.Time) error
	ForceFail(ctx context.Context, id string, reason string, claimedBefore, now time.Time) error

	FindStuck(ctx context.Context, claimedBefore time.Time) ([]*domain.QueueItem, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	CountByChannel(ctx context.Context, status domain.Status) (map[domain.Channel]int, error)
	RateStates(ctx context.Context) ([]domain.ChannelRateState, error)
	RecentPosts(ctx context.Context, limit int) ([]domain.PostLogEntry, error)

	DeleteTerminalItems(ctx context.Context, before time.Time) (int64, error)
	DeleteDedupRecords(ctx context.Context, before time.Time) (int64, error)
	DeletePostLog(ctx context.Context, before time.Time) (int64, error)
	DeleteIdleRateStates(ctx context.Context, before time.Time) (int64, error)
}

var terminalStatuses = []domain.Status{
	domain.StatusPosted, domain.StatusFailed, domain.StatusDeadLettered, domain.StatusCancelled,
}
