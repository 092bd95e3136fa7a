package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// channelsFile is the on-disk shape of CHANNELS_FILE:
//
//	channels:
//	  linkedin:
//	    hourly_limit: 2
//	    daily_limit: 5
//	    min_gap: 30m
type channelsFile struct {
	Channels map[string]fileLimits `yaml:"channels"`
}

// fileLimits keeps min_gap as a pointer so an explicit "min_gap: 0" can be
// told apart from an omitted key.
type fileLimits struct {
	HourlyLimit int            `yaml:"hourly_limit"`
	DailyLimit  int            `yaml:"daily_limit"`
	MinGap      *time.Duration `yaml:"min_gap"`
	MaxPending  int            `yaml:"max_pending"`
	PublishRPS  float64        `yaml:"publish_rps"`
}

// DefaultChannels returns the platform limits shipped with the queue.
func DefaultChannels(minGap time.Duration) map[domain.Channel]domain.ChannelLimits {
	return map[domain.Channel]domain.ChannelLimits{
		domain.ChannelLinkedIn: {HourlyLimit: 2, DailyLimit: 5, MinGap: minGap, PublishRPS: 1},
		domain.ChannelTwitter:  {HourlyLimit: 5, DailyLimit: 20, MinGap: minGap, PublishRPS: 1},
		domain.ChannelTelegram: {HourlyLimit: 10, DailyLimit: 50, MinGap: minGap, PublishRPS: 1},
	}
}

// LoadChannels reads per-channel limits from a YAML file. A channel that
// omits min_gap inherits defaultGap; "min_gap: 0" disables the gap.
func LoadChannels(path string, defaultGap time.Duration) (map[domain.Channel]domain.ChannelLimits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}

	var f channelsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	out := make(map[domain.Channel]domain.ChannelLimits, len(f.Channels))
	for name, fl := range f.Channels {
		l := domain.ChannelLimits{
			HourlyLimit: fl.HourlyLimit,
			DailyLimit:  fl.DailyLimit,
			MinGap:      defaultGap,
			MaxPending:  fl.MaxPending,
			PublishRPS:  fl.PublishRPS,
		}
		if fl.MinGap != nil {
			l.MinGap = *fl.MinGap
		}
		out[domain.Channel(name)] = l
	}
	return out, nil
}

func validateLimits(ch domain.Channel, l domain.ChannelLimits) error {
	if !ch.IsWellFormed() {
		return fmt.Errorf("channel %q: %w", ch, domain.ErrInvalidChannel)
	}
	if l.HourlyLimit < 1 || l.DailyLimit < 1 {
		return fmt.Errorf("channel %q: hourly_limit and daily_limit must be positive", ch)
	}
	if l.HourlyLimit > l.DailyLimit {
		return fmt.Errorf("channel %q: hourly_limit exceeds daily_limit", ch)
	}
	if l.MinGap < 0 || l.MaxPending < 0 || l.PublishRPS < 0 {
		return fmt.Errorf("channel %q: min_gap, max_pending and publish_rps must not be negative", ch)
	}
	return nil
}
