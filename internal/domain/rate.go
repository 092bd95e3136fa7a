package domain

import "time"

// ChannelLimits are the platform rules for a single channel.
type ChannelLimits struct {
	HourlyLimit int           `yaml:"hourly_limit" json:"hourly_limit"`
	DailyLimit  int           `yaml:"daily_limit" json:"daily_limit"`
	MinGap      time.Duration `yaml:"min_gap" json:"min_gap"`
	// MaxPending bounds the backlog (pending + in_flight) accepted at enqueue.
	// Zero means 2 x DailyLimit.
	MaxPending int `yaml:"max_pending" json:"max_pending"`
	// PublishRPS throttles raw publisher calls. Zero disables the throttle.
	PublishRPS float64 `yaml:"publish_rps" json:"publish_rps"`
}

// PendingCap returns the effective backlog bound.
func (l ChannelLimits) PendingCap() int {
	if l.MaxPending > 0 {
		return l.MaxPending
	}
	return 2 * l.DailyLimit
}

// ChannelRateState is the persisted per-channel counter row. Counts are as
// of LastPostAt; rolling-window decisions use RateSnapshot instead.
type ChannelRateState struct {
	Channel       Channel    `json:"channel"`
	WindowStart   time.Time  `json:"window_start"`
	CountInWindow int        `json:"count_in_window"`
	CountInDay    int        `json:"count_in_day"`
	LastPostAt    *time.Time `json:"last_post_at,omitempty"`
}

// RateSnapshot is a point-in-time view of a channel's usage, computed from
// the post log and the set of in-flight items.
type RateSnapshot struct {
	Channel    Channel
	HourCount  int
	DayCount   int
	LastPostAt *time.Time
	// InFlight counts every in_flight item on the channel. They hold
	// capacity against both ceilings.
	InFlight int
	// InFlightRecent counts in_flight items claimed within the stuck timeout.
	// Only these block the minimum gap.
	InFlightRecent int
}

// Reserve returns a copy of s as it will look once one more post goes out
// at the given time: it holds ceiling capacity and resets the gap clock.
func (s RateSnapshot) Reserve(at time.Time) RateSnapshot {
	s.InFlight++
	s.LastPostAt = &at
	return s
}
