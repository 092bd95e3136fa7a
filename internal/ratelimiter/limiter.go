// Package ratelimiter decides whether a channel has capacity for another
// post under its rolling hourly and daily ceilings and minimum gap.
package ratelimiter

import (
	"fmt"
	"time"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// Rule names the limit that rejected a post.
type Rule string

const (
	RuleHourly   Rule = "hourly"
	RuleDaily    Rule = "daily"
	RuleMinGap   Rule = "min_gap"
	RuleInFlight Rule = "in_flight"
)

// LimitError reports which rule rejected a post. It matches
// domain.ErrRateLimited under errors.Is.
type LimitError struct {
	Channel domain.Channel
	Rule    Rule
	Used    int
	Limit   int
	// RetryAt is when the rule stops blocking, if known.
	RetryAt *time.Time
}

func (e *LimitError) Error() string {
	switch e.Rule {
	case RuleHourly, RuleDaily:
		return fmt.Sprintf("%s: %s limit reached (%d/%d)", e.Channel, e.Rule, e.Used, e.Limit)
	case RuleInFlight:
		return fmt.Sprintf("%s: another post is in flight", e.Channel)
	default:
		return fmt.Sprintf("%s: too soon since last post", e.Channel)
	}
}

func (e *LimitError) Unwrap() error { return domain.ErrRateLimited }

// Evaluate checks one more post of priority p against the channel's limits.
// In-flight items hold capacity against both ceilings, and a recent one
// counts as a post happening now for the minimum gap. Urgent posts skip the
// gap rules, never the ceilings. Returns nil or a *LimitError.
func Evaluate(l domain.ChannelLimits, s domain.RateSnapshot, p domain.Priority, now time.Time) error {
	if used := s.HourCount + s.InFlight; used >= l.HourlyLimit {
		return &LimitError{Channel: s.Channel, Rule: RuleHourly, Used: used, Limit: l.HourlyLimit}
	}
	if used := s.DayCount + s.InFlight; used >= l.DailyLimit {
		return &LimitError{Channel: s.Channel, Rule: RuleDaily, Used: used, Limit: l.DailyLimit}
	}
	if p == domain.PriorityUrgent {
		return nil
	}
	if s.InFlightRecent > 0 && l.MinGap > 0 {
		return &LimitError{Channel: s.Channel, Rule: RuleInFlight}
	}
	if s.LastPostAt != nil && now.Sub(*s.LastPostAt) < l.MinGap {
		at := s.LastPostAt.Add(l.MinGap)
		return &LimitError{Channel: s.Channel, Rule: RuleMinGap, RetryAt: &at}
	}
	return nil
}

// CanAccept is Evaluate as a predicate.
func CanAccept(l domain.ChannelLimits, s domain.RateSnapshot, p domain.Priority, now time.Time) bool {
	return Evaluate(l, s, p, now) == nil
}

// AtCeiling reports whether either rolling ceiling is exhausted, regardless
// of priority.
func AtCeiling(l domain.ChannelLimits, s domain.RateSnapshot) bool {
	return s.HourCount+s.InFlight >= l.HourlyLimit || s.DayCount+s.InFlight >= l.DailyLimit
}
