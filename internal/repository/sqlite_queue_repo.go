package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// SQLite rows store timestamps as Unix nanoseconds so range predicates
// compare numerically regardless of how the driver formats time values.

type sqliteItem struct {
	ID          string  `gorm:"primaryKey;size:36"`
	Content     string  `gorm:"type:text;not null"`
	ContentHash string  `gorm:"index;size:64;not null"`
	Channel     string  `gorm:"index:idx_queue_items_channel_status,priority:1;size:32;not null"`
	Priority    string  `gorm:"size:16;not null"`
	Status      string  `gorm:"index:idx_queue_items_channel_status,priority:2;index:idx_queue_items_due,priority:1;size:16;not null"`
	Attempts    int     `gorm:"not null"`
	MaxAttempts int     `gorm:"not null"`
	Source      string  `gorm:"size:128"`
	Metadata    string  `gorm:"type:text"`
	CreatedAt   int64   `gorm:"not null;autoCreateTime:false"`
	ScheduledAt int64   `gorm:"index:idx_queue_items_due,priority:2;not null"`
	PostedAt    *int64
	ClaimedAt   *int64
	UpdatedAt   int64   `gorm:"not null;autoUpdateTime:false"`
	LastError   *string `gorm:"type:text"`
}

func (sqliteItem) TableName() string { return "queue_items" }

type sqliteDedup struct {
	ContentHash    string `gorm:"primaryKey;size:64"`
	FirstSeenAt    int64  `gorm:"index;not null"`
	ChannelsPosted string `gorm:"type:text;not null"`
}

func (sqliteDedup) TableName() string { return "dedup_records" }

type sqliteRateState struct {
	Channel       string `gorm:"primaryKey;size:32"`
	WindowStart   int64  `gorm:"not null"`
	CountInWindow int    `gorm:"not null"`
	CountInDay    int    `gorm:"not null"`
	LastPostAt    *int64
}

func (sqliteRateState) TableName() string { return "channel_rate_state" }

type sqlitePostLog struct {
	ID          uint   `gorm:"primaryKey"`
	ItemID      string `gorm:"size:36;not null"`
	Channel     string `gorm:"index:idx_post_log_channel_posted,priority:1;size:32;not null"`
	ContentHash string `gorm:"size:64;not null"`
	PostedAt    int64  `gorm:"index:idx_post_log_channel_posted,priority:2;not null"`
}

func (sqlitePostLog) TableName() string { return "post_log" }

type sqliteQueueRepository struct {
	db *gorm.DB
}

// NewSQLiteQueueRepository migrates the schema and returns a QueueRepository
// backed by an embedded SQLite database opened with db.OpenSQLite.
func NewSQLiteQueueRepository(gdb *gorm.DB) (QueueRepository, error) {
	if err := gdb.AutoMigrate(&sqliteItem{}, &sqliteDedup{}, &sqliteRateState{}, &sqlitePostLog{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &sqliteQueueRepository{db: gdb}, nil
}

func (r *sqliteQueueRepository) Enqueue(ctx context.Context, item *domain.QueueItem, opts EnqueueOptions) error {
	row, err := toSQLiteItem(item)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec sqliteDedup
		err := tx.Where("content_hash = ?", item.ContentHash).Take(&rec).Error
		switch {
		case err == nil:
			if rec.FirstSeenAt > opts.Now.Add(-opts.DedupWindow).UnixNano() {
				return domain.ErrDuplicate
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("lookup dedup record: %w", err)
		}

		if opts.MaxPending > 0 {
			var backlog int64
			if err := tx.Model(&sqliteItem{}).
				Where("channel = ? AND status IN ?", string(item.Channel), []string{string(domain.StatusPending), string(domain.StatusInFlight)}).
				Count(&backlog).Error; err != nil {
				return fmt.Errorf("count backlog: %w", err)
			}
			if backlog >= int64(opts.MaxPending) {
				return domain.ErrRateLimited
			}
		}

		rec = sqliteDedup{ContentHash: item.ContentHash, FirstSeenAt: opts.Now.UnixNano(), ChannelsPosted: "[]"}
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("upsert dedup record: %w", err)
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		return nil
	})
}

func (r *sqliteQueueRepository) LookupDedup(ctx context.Context, hash string) (*domain.DedupRecord, error) {
	var rec sqliteDedup
	err := r.db.WithContext(ctx).Where("content_hash = ?", hash).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup dedup record: %w", err)
	}
	channels, err := decodeChannels(rec.ChannelsPosted)
	if err != nil {
		return nil, err
	}
	return &domain.DedupRecord{
		ContentHash:    rec.ContentHash,
		FirstSeenAt:    fromNanos(rec.FirstSeenAt),
		ChannelsPosted: channels,
	}, nil
}

func (r *sqliteQueueRepository) GetByID(ctx context.Context, id string) (*domain.QueueItem, error) {
	return r.getItem(r.db.WithContext(ctx), id)
}

func (r *sqliteQueueRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, error) {
	q := r.db.WithContext(ctx).Model(&sqliteItem{})
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.Channel != nil {
		q = q.Where("channel = ?", string(*f.Channel))
	}
	q = q.Order("created_at DESC").Order("id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return findItems(q)
}

func (r *sqliteQueueRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error) {
	q := r.db.WithContext(ctx).Model(&sqliteItem{}).
		Where("status = ? AND scheduled_at <= ?", string(domain.StatusPending), now.UnixNano()).
		Order("created_at").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return findItems(q)
}

func (r *sqliteQueueRepository) RateSnapshot(ctx context.Context, ch domain.Channel, now time.Time, stuckAfter time.Duration) (domain.RateSnapshot, error) {
	return sqliteSnapshot(r.db.WithContext(ctx), ch, now, stuckAfter)
}

func (r *sqliteQueueRepository) Claim(ctx context.Context, id string, req ClaimRequest) (*domain.QueueItem, error) {
	var claimed *domain.QueueItem
	exhausted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := r.getItem(tx, id)
		if err != nil {
			return err
		}
		if it.Status != domain.StatusPending {
			return domain.ErrNotPending
		}
		if it.Exhausted(req.MaxAttempts) {
			exhausted = true
			if err := tx.Model(&sqliteItem{}).Where("id = ?", id).Updates(map[string]any{
				"status":     string(domain.StatusDeadLettered),
				"last_error": exhaustedMessage(it),
				"updated_at": req.Now.UnixNano(),
			}).Error; err != nil {
				return fmt.Errorf("dead-letter exhausted item: %w", err)
			}
			return nil
		}
		if req.Admit != nil {
			snap, err := sqliteSnapshot(tx, it.Channel, req.Now, req.StuckAfter)
			if err != nil {
				return err
			}
			if err := req.Admit(snap); err != nil {
				return err
			}
		}

		now := req.Now.UnixNano()
		if err := tx.Model(&sqliteItem{}).Where("id = ?", id).Updates(map[string]any{
			"status":     string(domain.StatusInFlight),
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": now,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("claim item: %w", err)
		}

		t := req.Now
		it.Status = domain.StatusInFlight
		it.Attempts++
		it.ClaimedAt = &t
		it.UpdatedAt = t
		claimed = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return nil, domain.ErrAttemptsExhausted
	}
	return claimed, nil
}

func (r *sqliteQueueRepository) MarkPosted(ctx context.Context, id string, postedAt time.Time) (*domain.QueueItem, error) {
	var posted *domain.QueueItem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := r.getItem(tx, id)
		if err != nil {
			return err
		}
		if it.Status != domain.StatusInFlight {
			return domain.ErrNotInFlight
		}

		ts := postedAt.UnixNano()
		if err := tx.Model(&sqliteItem{}).Where("id = ?", id).Updates(map[string]any{
			"status":     string(domain.StatusPosted),
			"posted_at":  ts,
			"updated_at": ts,
			"last_error": nil,
		}).Error; err != nil {
			return fmt.Errorf("mark posted: %w", err)
		}
		if err := tx.Create(&sqlitePostLog{
			ItemID: it.ID, Channel: string(it.Channel), ContentHash: it.ContentHash, PostedAt: ts,
		}).Error; err != nil {
			return fmt.Errorf("insert post log: %w", err)
		}

		snap, err := sqliteSnapshot(tx, it.Channel, postedAt, 0)
		if err != nil {
			return err
		}
		if err := tx.Save(&sqliteRateState{
			Channel:       string(it.Channel),
			WindowStart:   postedAt.Add(-time.Hour).UnixNano(),
			CountInWindow: snap.HourCount,
			CountInDay:    snap.DayCount,
			LastPostAt:    &ts,
		}).Error; err != nil {
			return fmt.Errorf("record post: %w", err)
		}

		var rec sqliteDedup
		err = tx.Where("content_hash = ?", it.ContentHash).Take(&rec).Error
		if err == nil {
			channels, err := decodeChannels(rec.ChannelsPosted)
			if err != nil {
				return err
			}
			if !containsChannel(channels, it.Channel) {
				raw, _ := json.Marshal(append(channels, it.Channel))
				if err := tx.Model(&rec).Update("channels_posted", string(raw)).Error; err != nil {
					return fmt.Errorf("update dedup channels: %w", err)
				}
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup dedup record: %w", err)
		}

		it.Status = domain.StatusPosted
		it.PostedAt = &postedAt
		it.UpdatedAt = postedAt
		it.LastError = nil
		posted = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return posted, nil
}

func (r *sqliteQueueRepository) Reschedule(ctx context.Context, id string, at time.Time, lastErr string, now time.Time) error {
	return r.transition(ctx, id, domain.StatusInFlight, domain.ErrNotInFlight, map[string]any{
		"status":       string(domain.StatusPending),
		"scheduled_at": at.UnixNano(),
		"claimed_at":   nil,
		"updated_at":   now.UnixNano(),
		"last_error":   lastErr,
	})
}

func (r *sqliteQueueRepository) DeadLetter(ctx context.Context, id string, lastErr string, now time.Time) error {
	return r.transition(ctx, id, domain.StatusInFlight, domain.ErrNotInFlight, map[string]any{
		"status":     string(domain.StatusDeadLettered),
		"updated_at": now.UnixNano(),
		"last_error": lastErr,
	})
}

func (r *sqliteQueueRepository) Cancel(ctx context.Context, id string, reason string, now time.Time) error {
	fields := map[string]any{
		"status":     string(domain.StatusCancelled),
		"updated_at": now.UnixNano(),
	}
	if reason != "" {
		fields["last_error"] = reason
	}
	return r.transition(ctx, id, domain.StatusPending, domain.ErrNotPending, fields)
}

func (r *sqliteQueueRepository) ForceRequeue(ctx context.Context, id string, claimedBefore, now time.Time) error {
	return r.forceResolve(ctx, id, claimedBefore, map[string]any{
		"status":       string(domain.StatusPending),
		"scheduled_at": now.UnixNano(),
		"claimed_at":   nil,
		"updated_at":   now.UnixNano(),
		"last_error":   "requeued by operator",
	})
}

func (r *sqliteQueueRepository) ForceFail(ctx context.Context, id string, reason string, claimedBefore, now time.Time) error {
	return r.forceResolve(ctx, id, claimedBefore, map[string]any{
		"status":     string(domain.StatusFailed),
		"updated_at": now.UnixNano(),
		"last_error": reason,
	})
}

func (r *sqliteQueueRepository) FindStuck(ctx context.Context, claimedBefore time.Time) ([]*domain.QueueItem, error) {
	return findItems(r.db.WithContext(ctx).Model(&sqliteItem{}).
		Where("status = ? AND claimed_at <= ?", string(domain.StatusInFlight), claimedBefore.UnixNano()).
		Order("claimed_at"))
}

func (r *sqliteQueueRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	if err := r.db.WithContext(ctx).Model(&sqliteItem{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[domain.Status(row.Status)] = row.N
	}
	return counts, nil
}

func (r *sqliteQueueRepository) CountByChannel(ctx context.Context, status domain.Status) (map[domain.Channel]int, error) {
	var rows []struct {
		Channel string
		N       int
	}
	if err := r.db.WithContext(ctx).Model(&sqliteItem{}).
		Select("channel, COUNT(*) AS n").Where("status = ?", string(status)).
		Group("channel").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count by channel: %w", err)
	}

	counts := make(map[domain.Channel]int, len(rows))
	for _, row := range rows {
		counts[domain.Channel(row.Channel)] = row.N
	}
	return counts, nil
}

func (r *sqliteQueueRepository) RateStates(ctx context.Context) ([]domain.ChannelRateState, error) {
	var rows []sqliteRateState
	if err := r.db.WithContext(ctx).Order("channel").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rate states: %w", err)
	}

	out := make([]domain.ChannelRateState, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ChannelRateState{
			Channel:       domain.Channel(row.Channel),
			WindowStart:   fromNanos(row.WindowStart),
			CountInWindow: row.CountInWindow,
			CountInDay:    row.CountInDay,
			LastPostAt:    fromNanosPtr(row.LastPostAt),
		})
	}
	return out, nil
}

func (r *sqliteQueueRepository) RecentPosts(ctx context.Context, limit int) ([]domain.PostLogEntry, error) {
	var rows []sqlitePostLog
	if err := r.db.WithContext(ctx).Order("posted_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list recent posts: %w", err)
	}

	out := make([]domain.PostLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.PostLogEntry{
			ItemID:      row.ItemID,
			Channel:     domain.Channel(row.Channel),
			ContentHash: row.ContentHash,
			PostedAt:    fromNanos(row.PostedAt),
		})
	}
	return out, nil
}

func (r *sqliteQueueRepository) DeleteTerminalItems(ctx context.Context, before time.Time) (int64, error) {
	terminal := make([]string, len(terminalStatuses))
	for i, s := range terminalStatuses {
		terminal[i] = string(s)
	}
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, before.UnixNano()).
		Delete(&sqliteItem{})
	return res.RowsAffected, res.Error
}

func (r *sqliteQueueRepository) DeleteDedupRecords(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("first_seen_at < ?", before.UnixNano()).Delete(&sqliteDedup{})
	return res.RowsAffected, res.Error
}

func (r *sqliteQueueRepository) DeletePostLog(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("posted_at < ?", before.UnixNano()).Delete(&sqlitePostLog{})
	return res.RowsAffected, res.Error
}

func (r *sqliteQueueRepository) DeleteIdleRateStates(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("COALESCE(last_post_at, window_start) < ?", before.UnixNano()).
		Delete(&sqliteRateState{})
	return res.RowsAffected, res.Error
}

// ---- private helpers ----

func (r *sqliteQueueRepository) getItem(tx *gorm.DB, id string) (*domain.QueueItem, error) {
	var row sqliteItem
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return row.toDomain()
}

func (r *sqliteQueueRepository) transition(ctx context.Context, id string, want domain.Status, wrongState error, fields map[string]any) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := r.getItem(tx, id)
		if err != nil {
			return err
		}
		if it.Status != want {
			return wrongState
		}
		if err := tx.Model(&sqliteItem{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return fmt.Errorf("update item %s: %w", id, err)
		}
		return nil
	})
}

func (r *sqliteQueueRepository) forceResolve(ctx context.Context, id string, claimedBefore time.Time, fields map[string]any) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := r.getItem(tx, id)
		if err != nil {
			return err
		}
		if it.Status != domain.StatusInFlight {
			return domain.ErrNotInFlight
		}
		if it.ClaimedAt != nil && it.ClaimedAt.After(claimedBefore) {
			return domain.ErrNotStuck
		}
		if err := tx.Model(&sqliteItem{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return fmt.Errorf("resolve stuck item: %w", err)
		}
		return nil
	})
}

func sqliteSnapshot(tx *gorm.DB, ch domain.Channel, now time.Time, stuckAfter time.Duration) (domain.RateSnapshot, error) {
	snap := domain.RateSnapshot{Channel: ch}
	var hour, day, inFlight, recent int64

	if err := tx.Model(&sqlitePostLog{}).
		Where("channel = ? AND posted_at > ?", string(ch), now.Add(-time.Hour).UnixNano()).
		Count(&hour).Error; err != nil {
		return snap, fmt.Errorf("count hourly posts: %w", err)
	}
	if err := tx.Model(&sqlitePostLog{}).
		Where("channel = ? AND posted_at > ?", string(ch), now.Add(-24*time.Hour).UnixNano()).
		Count(&day).Error; err != nil {
		return snap, fmt.Errorf("count daily posts: %w", err)
	}
	if err := tx.Model(&sqliteItem{}).
		Where("channel = ? AND status = ?", string(ch), string(domain.StatusInFlight)).
		Count(&inFlight).Error; err != nil {
		return snap, fmt.Errorf("count in flight: %w", err)
	}
	if err := tx.Model(&sqliteItem{}).
		Where("channel = ? AND status = ? AND claimed_at > ?", string(ch), string(domain.StatusInFlight), now.Add(-stuckAfter).UnixNano()).
		Count(&recent).Error; err != nil {
		return snap, fmt.Errorf("count recent in flight: %w", err)
	}

	var rs sqliteRateState
	err := tx.Where("channel = ?", string(ch)).Take(&rs).Error
	switch {
	case err == nil:
		snap.LastPostAt = fromNanosPtr(rs.LastPostAt)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return snap, fmt.Errorf("load rate state: %w", err)
	}

	snap.HourCount = int(hour)
	snap.DayCount = int(day)
	snap.InFlight = int(inFlight)
	snap.InFlightRecent = int(recent)
	return snap, nil
}

func findItems(q *gorm.DB) ([]*domain.QueueItem, error) {
	var rows []sqliteItem
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	out := make([]*domain.QueueItem, 0, len(rows))
	for i := range rows {
		it, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func toSQLiteItem(it *domain.QueueItem) (*sqliteItem, error) {
	meta, err := json.Marshal(nonNilMeta(it.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return &sqliteItem{
		ID:          it.ID,
		Content:     it.Content,
		ContentHash: it.ContentHash,
		Channel:     string(it.Channel),
		Priority:    string(it.Priority),
		Status:      string(it.Status),
		Attempts:    it.Attempts,
		MaxAttempts: it.MaxAttempts,
		Source:      it.Source,
		Metadata:    string(meta),
		CreatedAt:   it.CreatedAt.UnixNano(),
		ScheduledAt: it.ScheduledAt.UnixNano(),
		PostedAt:    toNanosPtr(it.PostedAt),
		ClaimedAt:   toNanosPtr(it.ClaimedAt),
		UpdatedAt:   it.UpdatedAt.UnixNano(),
		LastError:   it.LastError,
	}, nil
}

func (row *sqliteItem) toDomain() (*domain.QueueItem, error) {
	it := &domain.QueueItem{
		ID:          row.ID,
		Content:     row.Content,
		ContentHash: row.ContentHash,
		Channel:     domain.Channel(row.Channel),
		Priority:    domain.Priority(row.Priority),
		Status:      domain.Status(row.Status),
		Attempts:    row.Attempts,
		MaxAttempts: row.MaxAttempts,
		Source:      row.Source,
		CreatedAt:   fromNanos(row.CreatedAt),
		ScheduledAt: fromNanos(row.ScheduledAt),
		PostedAt:    fromNanosPtr(row.PostedAt),
		ClaimedAt:   fromNanosPtr(row.ClaimedAt),
		UpdatedAt:   fromNanos(row.UpdatedAt),
		LastError:   row.LastError,
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &it.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(it.Metadata) == 0 {
			it.Metadata = nil
		}
	}
	return it, nil
}

func decodeChannels(raw string) ([]domain.Channel, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.Channel
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode channels_posted: %w", err)
	}
	return out, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNanosPtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

func toNanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}
