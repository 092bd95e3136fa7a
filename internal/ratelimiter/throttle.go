package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// Throttle holds one token bucket per channel guarding raw publisher API
// calls. It sits underneath the rolling-window rules and never replaces
// them. Burst is 1 so no saved-up tokens allow back-to-back calls.
type Throttle struct {
	limiters map[domain.Channel]*rate.Limiter
}

// NewThrottle builds a bucket for every channel with a positive PublishRPS.
func NewThrottle(limits map[domain.Channel]domain.ChannelLimits) *Throttle {
	t := &Throttle{limiters: make(map[domain.Channel]*rate.Limiter, len(limits))}
	for ch, l := range limits {
		if l.PublishRPS > 0 {
			t.limiters[ch] = rate.NewLimiter(rate.Limit(l.PublishRPS), 1)
		}
	}
	return t
}

// Wait blocks until the channel's bucket grants a token. Channels without a
// bucket pass straight through. Returns a non-nil error only if ctx ends
// while waiting.
func (t *Throttle) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := t.limiters[ch]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
