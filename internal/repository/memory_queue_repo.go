package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// MemoryQueueRepository is a hand-written, in-memory implementation of
// QueueRepository. Tests use it directly; `--store memory` uses it for
// throwaway runs. A single mutex makes every method atomic.
type MemoryQueueRepository struct {
	mu         sync.Mutex
	items      map[string]*domain.QueueItem
	dedup      map[string]*domain.DedupRecord
	rateStates map[domain.Channel]*domain.ChannelRateState
	postLog    []domain.PostLogEntry

	// Optional error overrides, set in tests to simulate failure paths.
	EnqueueErr    error
	ListDueErr    error
	MarkPostedErr error
}

func NewMemoryQueueRepository() *MemoryQueueRepository {
	return &MemoryQueueRepository{
		items:      make(map[string]*domain.QueueItem),
		dedup:      make(map[string]*domain.DedupRecord),
		rateStates: make(map[domain.Channel]*domain.ChannelRateState),
	}
}

func (m *MemoryQueueRepository) Enqueue(_ context.Context, item *domain.QueueItem, opts EnqueueOptions) error {
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.dedup[item.ContentHash]; ok && rec.FirstSeenAt.After(opts.Now.Add(-opts.DedupWindow)) {
		return domain.ErrDuplicate
	}
	if opts.MaxPending > 0 {
		backlog := 0
		for _, it := range m.items {
			if it.Channel == item.Channel && (it.Status == domain.StatusPending || it.Status == domain.StatusInFlight) {
				backlog++
			}
		}
		if backlog >= opts.MaxPending {
			return domain.ErrRateLimited
		}
	}

	m.dedup[item.ContentHash] = &domain.DedupRecord{ContentHash: item.ContentHash, FirstSeenAt: opts.Now}
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *MemoryQueueRepository) LookupDedup(_ context.Context, hash string) (*domain.DedupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dedup[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *rec
	c.ChannelsPosted = append([]domain.Channel(nil), rec.ChannelsPosted...)
	return &c, nil
}

func (m *MemoryQueueRepository) GetByID(_ context.Context, id string) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return it.Clone(), nil
}

func (m *MemoryQueueRepository) List(_ context.Context, f domain.ListFilter) ([]*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.QueueItem
	for _, it := range m.items {
		if f.Status != nil && it.Status != *f.Status {
			continue
		}
		if f.Channel != nil && it.Channel != *f.Channel {
			continue
		}
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryQueueRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.QueueItem, error) {
	if m.ListDueErr != nil {
		return nil, m.ListDueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.QueueItem
	for _, it := range m.items {
		if it.Status == domain.StatusPending && !it.ScheduledAt.After(now) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryQueueRepository) RateSnapshot(_ context.Context, ch domain.Channel, now time.Time, stuckAfter time.Duration) (domain.RateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(ch, now, stuckAfter), nil
}

func (m *MemoryQueueRepository) snapshotLocked(ch domain.Channel, now time.Time, stuckAfter time.Duration) domain.RateSnapshot {
	snap := domain.RateSnapshot{Channel: ch}
	hourAgo, dayAgo := now.Add(-time.Hour), now.Add(-24*time.Hour)
	for _, p := range m.postLog {
		if p.Channel != ch {
			continue
		}
		if p.PostedAt.After(hourAgo) {
			snap.HourCount++
		}
		if p.PostedAt.After(dayAgo) {
			snap.DayCount++
		}
	}
	if rs, ok := m.rateStates[ch]; ok && rs.LastPostAt != nil {
		t := *rs.LastPostAt
		snap.LastPostAt = &t
	}
	stuckCutoff := now.Add(-stuckAfter)
	for _, it := range m.items {
		if it.Channel != ch || it.Status != domain.StatusInFlight {
			continue
		}
		snap.InFlight++
		if it.ClaimedAt != nil && it.ClaimedAt.After(stuckCutoff) {
			snap.InFlightRecent++
		}
	}
	return snap
}

func (m *MemoryQueueRepository) Claim(_ context.Context, id string, req ClaimRequest) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if it.Status != domain.StatusPending {
		return nil, domain.ErrNotPending
	}
	if it.Exhausted(req.MaxAttempts) {
		msg := exhaustedMessage(it)
		it.Status = domain.StatusDeadLettered
		it.LastError = &msg
		it.UpdatedAt = req.Now
		return nil, domain.ErrAttemptsExhausted
	}
	if req.Admit != nil {
		if err := req.Admit(m.snapshotLocked(it.Channel, req.Now, req.StuckAfter)); err != nil {
			return nil, err
		}
	}

	now := req.Now
	it.Status = domain.StatusInFlight
	it.Attempts++
	it.ClaimedAt = &now
	it.UpdatedAt = now
	return it.Clone(), nil
}

func (m *MemoryQueueRepository) MarkPosted(_ context.Context, id string, postedAt time.Time) (*domain.QueueItem, error) {
	if m.MarkPostedErr != nil {
		return nil, m.MarkPostedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.inFlightLocked(id)
	if err != nil {
		return nil, err
	}
	it.Status = domain.StatusPosted
	it.PostedAt = &postedAt
	it.UpdatedAt = postedAt
	it.LastError = nil

	m.postLog = append(m.postLog, domain.PostLogEntry{
		ItemID: it.ID, Channel: it.Channel, ContentHash: it.ContentHash, PostedAt: postedAt,
	})

	snap := m.snapshotLocked(it.Channel, postedAt, 0)
	m.rateStates[it.Channel] = &domain.ChannelRateState{
		Channel:       it.Channel,
		WindowStart:   postedAt.Add(-time.Hour),
		CountInWindow: snap.HourCount,
		CountInDay:    snap.DayCount,
		LastPostAt:    &postedAt,
	}

	if rec, ok := m.dedup[it.ContentHash]; ok && !containsChannel(rec.ChannelsPosted, it.Channel) {
		rec.ChannelsPosted = append(rec.ChannelsPosted, it.Channel)
	}
	return it.Clone(), nil
}

func (m *MemoryQueueRepository) Reschedule(_ context.Context, id string, at time.Time, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.inFlightLocked(id)
	if err != nil {
		return err
	}
	it.Status = domain.StatusPending
	it.ScheduledAt = at
	it.ClaimedAt = nil
	it.UpdatedAt = now
	it.LastError = &lastErr
	return nil
}

func (m *MemoryQueueRepository) DeadLetter(_ context.Context, id string, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.inFlightLocked(id)
	if err != nil {
		return err
	}
	it.Status = domain.StatusDeadLettered
	it.UpdatedAt = now
	it.LastError = &lastErr
	return nil
}

func (m *MemoryQueueRepository) Cancel(_ context.Context, id string, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if it.Status != domain.StatusPending {
		return domain.ErrNotPending
	}
	it.Status = domain.StatusCancelled
	it.UpdatedAt = now
	if reason != "" {
		it.LastError = &reason
	}
	return nil
}

func (m *MemoryQueueRepository) ForceRequeue(_ context.Context, id string, claimedBefore, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.stuckLocked(id, claimedBefore)
	if err != nil {
		return err
	}
	msg := "requeued by operator"
	it.Status = domain.StatusPending
	it.ScheduledAt = now
	it.ClaimedAt = nil
	it.UpdatedAt = now
	it.LastError = &msg
	return nil
}

func (m *MemoryQueueRepository) ForceFail(_ context.Context, id string, reason string, claimedBefore, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.stuckLocked(id, claimedBefore)
	if err != nil {
		return err
	}
	it.Status = domain.StatusFailed
	it.UpdatedAt = now
	it.LastError = &reason
	return nil
}

func (m *MemoryQueueRepository) FindStuck(_ context.Context, claimedBefore time.Time) ([]*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.QueueItem
	for _, it := range m.items {
		if it.Status == domain.StatusInFlight && it.ClaimedAt != nil && !it.ClaimedAt.After(claimedBefore) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	return out, nil
}

func (m *MemoryQueueRepository) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for _, it := range m.items {
		counts[it.Status]++
	}
	return counts, nil
}

func (m *MemoryQueueRepository) CountByChannel(_ context.Context, status domain.Status) (map[domain.Channel]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.Channel]int)
	for _, it := range m.items {
		if it.Status == status {
			counts[it.Channel]++
		}
	}
	return counts, nil
}

func (m *MemoryQueueRepository) RateStates(_ context.Context) ([]domain.ChannelRateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ChannelRateState, 0, len(m.rateStates))
	for _, rs := range m.rateStates {
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (m *MemoryQueueRepository) RecentPosts(_ context.Context, limit int) ([]domain.PostLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]domain.PostLogEntry(nil), m.postLog...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryQueueRepository) DeleteTerminalItems(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, it := range m.items {
		if it.Status.IsTerminal() && it.UpdatedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryQueueRepository) DeleteDedupRecords(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for h, rec := range m.dedup {
		if rec.FirstSeenAt.Before(before) {
			delete(m.dedup, h)
			n++
		}
	}
	return n, nil
}

func (m *MemoryQueueRepository) DeletePostLog(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.postLog[:0]
	var n int64
	for _, p := range m.postLog {
		if p.PostedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.postLog = kept
	return n, nil
}

func (m *MemoryQueueRepository) DeleteIdleRateStates(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for ch, rs := range m.rateStates {
		last := rs.WindowStart
		if rs.LastPostAt != nil {
			last = *rs.LastPostAt
		}
		if last.Before(before) {
			delete(m.rateStates, ch)
			n++
		}
	}
	return n, nil
}

// SetStatus overwrites an item's status without transition checks.
// Test helper only.
func (m *MemoryQueueRepository) SetStatus(id string, status domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		it.Status = status
	}
}

func (m *MemoryQueueRepository) inFlightLocked(id string) (*domain.QueueItem, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if it.Status != domain.StatusInFlight {
		return nil, domain.ErrNotInFlight
	}
	return it, nil
}

func (m *MemoryQueueRepository) stuckLocked(id string, claimedBefore time.Time) (*domain.QueueItem, error) {
	it, err := m.inFlightLocked(id)
	if err != nil {
		return nil, err
	}
	if it.ClaimedAt != nil && it.ClaimedAt.After(claimedBefore) {
		return nil, domain.ErrNotStuck
	}
	return it, nil
}

func containsChannel(list []domain.Channel, ch domain.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

var _ QueueRepository = (*MemoryQueueRepository)(nil)
