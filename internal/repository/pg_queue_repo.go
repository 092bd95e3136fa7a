package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueueRepository struct {
	pool *pgxpool.Pool
}

// NewPgQueueRepository returns a QueueRepository backed by PostgreSQL.
// All timestamps come from the caller's clock, never from NOW().
func NewPgQueueRepository(pool *pgxpool.Pool) QueueRepository {
	return &pgQueueRepository{pool: pool}
}

const itemColumns = `id, content, content_hash, channel, priority, status, attempts, max_attempts,
	source, metadata, created_at, scheduled_at, posted_at, claimed_at, updated_at, last_error`

func (r *pgQueueRepository) Enqueue(ctx context.Context, item *domain.QueueItem, opts EnqueueOptions) error {
	meta, err := json.Marshal(nonNilMeta(item.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockChannel(ctx, tx, item.Channel, opts.Now); err != nil {
			return err
		}

		// The upsert only takes over an existing record whose window has
		// elapsed; an empty result means the hash is still fresh.
		var hash string
		err := tx.QueryRow(ctx, `
			INSERT INTO dedup_records (content_hash, first_seen_at, channels_posted)
			VALUES ($1, $2, '{}')
			ON CONFLICT (content_hash) DO UPDATE
				SET first_seen_at = EXCLUDED.first_seen_at, channels_posted = '{}'
				WHERE dedup_records.first_seen_at <= $3
			RETURNING content_hash`,
			item.ContentHash, opts.Now, opts.Now.Add(-opts.DedupWindow),
		).Scan(&hash)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("upsert dedup record: %w", err)
		}

		if opts.MaxPending > 0 {
			var backlog int
			if err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM queue_items
				WHERE channel = $1 AND status IN ('pending', 'in_flight')`,
				item.Channel,
			).Scan(&backlog); err != nil {
				return fmt.Errorf("count backlog: %w", err)
			}
			if backlog >= opts.MaxPending {
				return domain.ErrRateLimited
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO queue_items
				(id, content, content_hash, channel, priority, status, attempts, max_attempts,
				 source, metadata, created_at, scheduled_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			item.ID, item.Content, item.ContentHash, item.Channel, item.Priority, item.Status,
			item.Attempts, item.MaxAttempts, item.Source, meta,
			item.CreatedAt, item.ScheduledAt, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		return nil
	})
}

func (r *pgQueueRepository) LookupDedup(ctx context.Context, hash string) (*domain.DedupRecord, error) {
	var rec domain.DedupRecord
	var channels []string
	err := r.pool.QueryRow(ctx, `
		SELECT content_hash, first_seen_at, channels_posted
		FROM dedup_records WHERE content_hash = $1`, hash,
	).Scan(&rec.ContentHash, &rec.FirstSeenAt, &channels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup dedup record: %w", err)
	}
	for _, c := range channels {
		rec.ChannelsPosted = append(rec.ChannelsPosted, domain.Channel(c))
	}
	return &rec, nil
}

func (r *pgQueueRepository) GetByID(ctx context.Context, id string) (*domain.QueueItem, error) {
	return getItem(ctx, r.pool, id, false)
}

func (r *pgQueueRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, error) {
	where, args := buildListWhere(f)
	query := "SELECT " + itemColumns + " FROM queue_items" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryItems(ctx, r.pool, query, args...)
}

func (r *pgQueueRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error) {
	return queryItems(ctx, r.pool, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY created_at, id
		LIMIT $2`, now, limit)
}

func (r *pgQueueRepository) RateSnapshot(ctx context.Context, ch domain.Channel, now time.Time, stuckAfter time.Duration) (domain.RateSnapshot, error) {
	return snapshot(ctx, r.pool, ch, now, stuckAfter)
}

func (r *pgQueueRepository) Claim(ctx context.Context, id string, req ClaimRequest) (*domain.QueueItem, error) {
	var claimed *domain.QueueItem
	exhausted := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		it, err := getItem(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if it.Status != domain.StatusPending {
			return domain.ErrNotPending
		}
		if it.Exhausted(req.MaxAttempts) {
			exhausted = true
			if _, err := tx.Exec(ctx, `
				UPDATE queue_items
				SET status = 'dead_lettered', last_error = $1, updated_at = $2
				WHERE id = $3`, exhaustedMessage(it), req.Now, id); err != nil {
				return fmt.Errorf("dead-letter exhausted item: %w", err)
			}
			return nil
		}
		if err := lockChannel(ctx, tx, it.Channel, req.Now); err != nil {
			return err
		}
		if req.Admit != nil {
			snap, err := snapshot(ctx, tx, it.Channel, req.Now, req.StuckAfter)
			if err != nil {
				return err
			}
			if err := req.Admit(snap); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET status = 'in_flight', attempts = attempts + 1, claimed_at = $1, updated_at = $1
			WHERE id = $2`, req.Now, id); err != nil {
			return fmt.Errorf("claim item: %w", err)
		}

		now := req.Now
		it.Status = domain.StatusInFlight
		it.Attempts++
		it.ClaimedAt = &now
		it.UpdatedAt = now
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

func (r *pgQueueRepository) MarkPosted(ctx context.Context, id string, postedAt time.Time) (*domain.QueueItem, error) {
	var posted *domain.QueueItem
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		it, err := getItem(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if it.Status != domain.StatusInFlight {
			return domain.ErrNotInFlight
		}
		if err := lockChannel(ctx, tx, it.Channel, postedAt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET status = 'posted', posted_at = $1, updated_at = $1, last_error = NULL
			WHERE id = $2`, postedAt, id); err != nil {
			return fmt.Errorf("mark posted: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO post_log (item_id, channel, content_hash, posted_at)
			VALUES ($1, $2, $3, $4)`, it.ID, it.Channel, it.ContentHash, postedAt); err != nil {
			return fmt.Errorf("insert post log: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE channel_rate_state SET
				window_start    = $2::timestamptz - interval '1 hour',
				count_in_window = (SELECT COUNT(*) FROM post_log WHERE channel = $1 AND posted_at > $2::timestamptz - interval '1 hour'),
				count_in_day    = (SELECT COUNT(*) FROM post_log WHERE channel = $1 AND posted_at > $2::timestamptz - interval '24 hours'),
				last_post_at    = $2
			WHERE channel = $1`, it.Channel, postedAt); err != nil {
			return fmt.Errorf("record post: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dedup_records
			SET channels_posted = array_append(channels_posted, $2)
			WHERE content_hash = $1 AND NOT ($2 = ANY(channels_posted))`,
			it.ContentHash, string(it.Channel)); err != nil {
			return fmt.Errorf("update dedup channels: %w", err)
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

func (r *pgQueueRepository) Reschedule(ctx context.Context, id string, at time.Time, lastErr string, now time.Time) error {
	return r.transition(ctx, id, domain.StatusInFlight, domain.ErrNotInFlight, `
		UPDATE queue_items
		SET status = 'pending', scheduled_at = $2, claimed_at = NULL, updated_at = $3, last_error = $4
		WHERE id = $1 AND status = 'in_flight'`, id, at, now, lastErr)
}

func (r *pgQueueRepository) DeadLetter(ctx context.Context, id string, lastErr string, now time.Time) error {
	return r.transition(ctx, id, domain.StatusInFlight, domain.ErrNotInFlight, `
		UPDATE queue_items
		SET status = 'dead_lettered', updated_at = $2, last_error = $3
		WHERE id = $1 AND status = 'in_flight'`, id, now, lastErr)
}

func (r *pgQueueRepository) Cancel(ctx context.Context, id string, reason string, now time.Time) error {
	return r.transition(ctx, id, domain.StatusPending, domain.ErrNotPending, `
		UPDATE queue_items
		SET status = 'cancelled', updated_at = $2, last_error = COALESCE(NULLIF($3, ''), last_error)
		WHERE id = $1 AND status = 'pending'`, id, now, reason)
}

func (r *pgQueueRepository) ForceRequeue(ctx context.Context, id string, claimedBefore, now time.Time) error {
	return r.forceResolve(ctx, id, claimedBefore, `
		UPDATE queue_items
		SET status = 'pending', scheduled_at = $2, claimed_at = NULL, updated_at = $2,
		    last_error = 'requeued by operator'
		WHERE id = $1`, id, now)
}

func (r *pgQueueRepository) ForceFail(ctx context.Context, id string, reason string, claimedBefore, now time.Time) error {
	return r.forceResolve(ctx, id, claimedBefore, `
		UPDATE queue_items
		SET status = 'failed', updated_at = $2, last_error = $3
		WHERE id = $1`, id, now, reason)
}

func (r *pgQueueRepository) FindStuck(ctx context.Context, claimedBefore time.Time) ([]*domain.QueueItem, error) {
	return queryItems(ctx, r.pool, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE status = 'in_flight' AND claimed_at <= $1
		ORDER BY claimed_at`, claimedBefore)
}

func (r *pgQueueRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *pgQueueRepository) CountByChannel(ctx context.Context, status domain.Status) (map[domain.Channel]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT channel, COUNT(*) FROM queue_items WHERE status = $1 GROUP BY channel`, status)
	if err != nil {
		return nil, fmt.Errorf("count by channel: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Channel]int)
	for rows.Next() {
		var ch domain.Channel
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, err
		}
		counts[ch] = n
	}
	return counts, rows.Err()
}

func (r *pgQueueRepository) RateStates(ctx context.Context) ([]domain.ChannelRateState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT channel, window_start, count_in_window, count_in_day, last_post_at
		FROM channel_rate_state ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("list rate states: %w", err)
	}
	defer rows.Close()

	var out []domain.ChannelRateState
	for rows.Next() {
		var rs domain.ChannelRateState
		if err := rows.Scan(&rs.Channel, &rs.WindowStart, &rs.CountInWindow, &rs.CountInDay, &rs.LastPostAt); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (r *pgQueueRepository) RecentPosts(ctx context.Context, limit int) ([]domain.PostLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT item_id, channel, content_hash, posted_at
		FROM post_log ORDER BY posted_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent posts: %w", err)
	}
	defer rows.Close()

	var out []domain.PostLogEntry
	for rows.Next() {
		var p domain.PostLogEntry
		if err := rows.Scan(&p.ItemID, &p.Channel, &p.ContentHash, &p.PostedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgQueueRepository) DeleteTerminalItems(ctx context.Context, before time.Time) (int64, error) {
	return r.deleteWhere(ctx, `
		DELETE FROM queue_items
		WHERE status IN ('posted', 'failed', 'dead_lettered', 'cancelled') AND updated_at < $1`, before)
}

func (r *pgQueueRepository) DeleteDedupRecords(ctx context.Context, before time.Time) (int64, error) {
	return r.deleteWhere(ctx, `DELETE FROM dedup_records WHERE first_seen_at < $1`, before)
}

func (r *pgQueueRepository) DeletePostLog(ctx context.Context, before time.Time) (int64, error) {
	return r.deleteWhere(ctx, `DELETE FROM post_log WHERE posted_at < $1`, before)
}

func (r *pgQueueRepository) DeleteIdleRateStates(ctx context.Context, before time.Time) (int64, error) {
	return r.deleteWhere(ctx, `
		DELETE FROM channel_rate_state
		WHERE COALESCE(last_post_at, window_start) < $1`, before)
}

// ---- private helpers ----

// transition runs a guarded single-row UPDATE. When nothing matched it
// distinguishes a missing row from a row in the wrong state.
func (r *pgQueueRepository) transition(ctx context.Context, id string, want domain.Status, wrongState error, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	it, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if it.Status != want {
		return wrongState
	}
	return fmt.Errorf("update item %s: no rows affected", id)
}

func (r *pgQueueRepository) forceResolve(ctx context.Context, id string, claimedBefore time.Time, sql string, args ...any) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		it, err := getItem(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if it.Status != domain.StatusInFlight {
			return domain.ErrNotInFlight
		}
		if it.ClaimedAt != nil && it.ClaimedAt.After(claimedBefore) {
			return domain.ErrNotStuck
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("resolve stuck item: %w", err)
		}
		return nil
	})
}

func (r *pgQueueRepository) deleteWhere(ctx context.Context, sql string, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, sql, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// lockChannel creates the channel's rate-state row if missing and holds a
// row lock on it until the transaction ends.
func lockChannel(ctx context.Context, tx pgx.Tx, ch domain.Channel, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO channel_rate_state (channel, window_start)
		VALUES ($1, $2)
		ON CONFLICT (channel) DO NOTHING`, ch, now); err != nil {
		return fmt.Errorf("ensure rate state: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM channel_rate_state WHERE channel = $1 FOR UPDATE`, ch); err != nil {
		return fmt.Errorf("lock rate state: %w", err)
	}
	return nil
}

func snapshot(ctx context.Context, q querier, ch domain.Channel, now time.Time, stuckAfter time.Duration) (domain.RateSnapshot, error) {
	snap := domain.RateSnapshot{Channel: ch}
	err := q.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM post_log WHERE channel = $1 AND posted_at > $2),
			(SELECT COUNT(*) FROM post_log WHERE channel = $1 AND posted_at > $3),
			(SELECT last_post_at FROM channel_rate_state WHERE channel = $1),
			(SELECT COUNT(*) FROM queue_items WHERE channel = $1 AND status = 'in_flight'),
			(SELECT COUNT(*) FROM queue_items WHERE channel = $1 AND status = 'in_flight' AND claimed_at > $4)`,
		ch, now.Add(-time.Hour), now.Add(-24*time.Hour), now.Add(-stuckAfter),
	).Scan(&snap.HourCount, &snap.DayCount, &snap.LastPostAt, &snap.InFlight, &snap.InFlightRecent)
	if err != nil {
		return snap, fmt.Errorf("rate snapshot %s: %w", ch, err)
	}
	return snap, nil
}

func getItem(ctx context.Context, q querier, id string, forUpdate bool) (*domain.QueueItem, error) {
	sql := "SELECT " + itemColumns + " FROM queue_items WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	it, err := scanItem(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return it, err
}

func queryItems(ctx context.Context, q querier, sql string, args ...any) ([]*domain.QueueItem, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*domain.QueueItem, error) {
	var it domain.QueueItem
	var meta []byte
	err := s.Scan(
		&it.ID, &it.Content, &it.ContentHash, &it.Channel, &it.Priority, &it.Status,
		&it.Attempts, &it.MaxAttempts, &it.Source, &meta,
		&it.CreatedAt, &it.ScheduledAt, &it.PostedAt, &it.ClaimedAt, &it.UpdatedAt, &it.LastError,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &it.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(it.Metadata) == 0 {
			it.Metadata = nil
		}
	}
	return &it, nil
}

func buildListWhere(f domain.ListFilter) (string, []any) {
	var conds []string
	var args []any

	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Channel != nil {
		args = append(args, *f.Channel)
		conds = append(conds, fmt.Sprintf("channel = $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
