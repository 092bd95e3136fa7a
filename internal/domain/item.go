package domain

import (
	"regexp"
	"time"
	"unicode/utf8"
)

// MaxContentLength is the longest payload accepted, in characters. It matches
// the largest single-message limit among the supported platforms (Telegram).
const MaxContentLength = 4096

const maxSourceLength = 128

// Channel is a distribution target. The set of valid channels comes from
// configuration; the constants below are the ones shipped with defaults.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelLinkedIn Channel = "linkedin"
	ChannelTwitter  Channel = "twitter"
)

var channelNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// IsWellFormed reports whether c is usable as a channel name. It does not
// check that the channel is configured.
func (c Channel) IsWellFormed() bool {
	return channelNameRe.MatchString(string(c))
}

// Priority controls dispatch ordering. Urgent additionally bypasses the
// per-channel minimum gap (never the hourly/daily ceilings).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) IsValid() bool {
	return p.Tier() > 0
}

// Tier maps a priority to its ordering rank: low=1 .. urgent=4.
// Unknown priorities map to 0.
func (p Priority) Tier() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

// Status tracks the lifecycle of a queue item.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusPosted       Status = "posted"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
	StatusCancelled    Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusInFlight, StatusPosted,
	StatusFailed, StatusDeadLettered, StatusCancelled,
}

func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPosted, StatusFailed, StatusDeadLettered, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo encodes the item state machine:
//
//	pending   -> in_flight | cancelled | dead_lettered (attempts exhausted)
//	in_flight -> posted | pending (retry) | dead_lettered | failed (operator)
//
// Terminal states have no outgoing edges.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInFlight || next == StatusCancelled || next == StatusDeadLettered
	case StatusInFlight:
		switch next {
		case StatusPosted, StatusPending, StatusDeadLettered, StatusFailed:
			return true
		}
	}
	return false
}

// QueueItem is a unit of content destined for exactly one channel.
type QueueItem struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Channel     Channel           `json:"channel"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Source      string            `json:"source"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	PostedAt    *time.Time        `json:"posted_at,omitempty"`
	ClaimedAt   *time.Time        `json:"claimed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastError   *string           `json:"last_error,omitempty"`
}

// Clone returns a deep copy so callers can never alias store-owned state.
// Exhausted reports whether the item has used its attempt budget. fallback
// applies to items stored without one; zero means unlimited.
func (it *QueueItem) Exhausted(fallback int) bool {
	budget := it.MaxAttempts
	if budget <= 0 {
		budget = fallback
	}
	return budget > 0 && it.Attempts >= budget
}

func (it *QueueItem) Clone() *QueueItem {
	c := *it
	if it.Metadata != nil {
		c.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			c.Metadata[k] = v
		}
	}
	if it.PostedAt != nil {
		t := *it.PostedAt
		c.PostedAt = &t
	}
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		c.ClaimedAt = &t
	}
	if it.LastError != nil {
		s := *it.LastError
		c.LastError = &s
	}
	return &c
}

// EnqueueRequest is the inbound payload for a single post.
type EnqueueRequest struct {
	Content     string            `json:"content" validate:"required"`
	Channel     Channel           `json:"channel" validate:"required"`
	Priority    Priority          `json:"priority,omitempty"`
	Source      string            `json:"source,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
}

// Validate checks the request shape. known reports whether a channel is
// configured; an empty priority is treated as normal.
func (r *EnqueueRequest) Validate(known func(Channel) bool) error {
	if !r.Channel.IsWellFormed() || (known != nil && !known(r.Channel)) {
		return ErrInvalidChannel
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	n := utf8.RuneCountInString(r.Content)
	if n == 0 || n > MaxContentLength || !utf8.ValidString(r.Content) {
		return ErrInvalidContent
	}
	if len(r.Source) > maxSourceLength {
		return ErrInvalidSource
	}
	return nil
}

// ListFilter holds query parameters for item listing.
type ListFilter struct {
	Status  *Status
	Channel *Channel
	Limit   int
}
