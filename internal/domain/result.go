package domain

import "time"

// Reason explains a negative result returned as data rather than an error.
type Reason string

const (
	ReasonDuplicate         Reason = "DUPLICATE"
	ReasonRateLimited       Reason = "RATE_LIMITED"
	ReasonInvalid           Reason = "INVALID"
	ReasonAlreadyDispatched Reason = "ALREADY_DISPATCHED"
	ReasonNotFound          Reason = "NOT_FOUND"
)

// EnqueueResult is returned by Enqueue for every well-formed call.
type EnqueueResult struct {
	OK      bool   `json:"ok"`
	ItemID  string `json:"item_id,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProcessResult summarises one ProcessQueue pass. Failed publishes are split
// by what happens next: Failed items were rescheduled for another attempt,
// DeadLettered items will not be tried again. Their sum is every failed
// publish of the pass.
type ProcessResult struct {
	Posted       int `json:"posted"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	DeadLettered int `json:"dead_lettered"`
}

// Unsuccessful is every item that was not posted because its publish failed
// or it could not be dispatched at all.
func (r ProcessResult) Unsuccessful() int {
	return r.Failed + r.DeadLettered
}

func (r *ProcessResult) Add(o ProcessResult) {
	r.Posted += o.Posted
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.DeadLettered += o.DeadLettered
}

type CancelResult struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
}

// CleanupResult reports how many rows each retention sweep removed.
type CleanupResult struct {
	Items      int64 `json:"items"`
	Dedup      int64 `json:"dedup"`
	PostLog    int64 `json:"post_log"`
	RateStates int64 `json:"rate_states"`
}

// ChannelStatus is the per-channel part of QueueStatus.
type ChannelStatus struct {
	Channel      Channel       `json:"channel"`
	Limits       ChannelLimits `json:"limits"`
	PostedHour   int           `json:"posted_last_hour"`
	PostedDay    int           `json:"posted_last_day"`
	InFlight     int           `json:"in_flight"`
	Pending      int           `json:"pending"`
	LastPostAt   *time.Time    `json:"last_post_at,omitempty"`
	AtCeiling    bool          `json:"at_ceiling"`
	NextEligible *time.Time    `json:"next_eligible_at,omitempty"`

	// RateState is the persisted counter row; nil until the channel first posts.
	RateState *ChannelRateState `json:"rate_state,omitempty"`
}

// QueueStatus is the operator snapshot returned by GetStatus.
type QueueStatus struct {
	GeneratedAt         time.Time       `json:"generated_at"`
	Counts              map[Status]int  `json:"counts"`
	Channels            []ChannelStatus `json:"channels"`
	RecentPosts         []PostLogEntry  `json:"recent_posts"`
	DeadLettered        []*QueueItem    `json:"dead_lettered"`
	Stuck               int             `json:"stuck"`
	DuplicatesPrevented int64           `json:"duplicates_prevented"`
}

// HealthReport is produced by the daemon's health check.
type HealthReport struct {
	CheckedAt       time.Time      `json:"checked_at"`
	Counts          map[Status]int `json:"counts"`
	Stuck           []*QueueItem   `json:"stuck"`
	ChannelsAtLimit []Channel      `json:"channels_at_limit"`
	DeadLettered    int            `json:"dead_lettered"`
	Pending         int            `json:"pending"`
}

// Healthy reports whether nothing needs operator attention.
func (h HealthReport) Healthy() bool {
	return len(h.Stuck) == 0
}

// QueuePosition locates a pending item within its channel's dispatch order.
type QueuePosition struct {
	ItemID   string  `json:"item_id"`
	Channel  Channel `json:"channel"`
	Position int     `json:"position"`
	Ahead    int     `json:"ahead"`
	Total    int     `json:"total"`
}
