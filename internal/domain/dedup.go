package domain

import "time"

// DedupRecord tracks when a fingerprint was first accepted and where it
// has been posted since.
type DedupRecord struct {
	ContentHash    string    `json:"content_hash"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	ChannelsPosted []Channel `json:"channels_posted"`
}

// PostLogEntry is one successful publish.
type PostLogEntry struct {
	ItemID      string    `json:"item_id"`
	Channel     Channel   `json:"channel"`
	ContentHash string    `json:"content_hash"`
	PostedAt    time.Time `json:"posted_at"`
}
