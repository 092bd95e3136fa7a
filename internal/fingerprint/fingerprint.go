// Package fingerprint turns post content into a stable hash used for
// deduplication, and answers whether a hash was accepted recently.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/domain"
)

// Normalize lowercases content and collapses every whitespace run, blank
// lines included, to a single space. Emoji and punctuation are untouched.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// Hash returns the hex SHA-256 of already-normalized content.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Of normalizes and hashes content in one step.
func Of(content string) string {
	return Hash(Normalize(content))
}

// DedupStore is the authoritative source of first-seen times.
type DedupStore interface {
	LookupDedup(ctx context.Context, hash string) (*domain.DedupRecord, error)
}

// Engine answers IsDuplicate from a process-local cache of recently
// accepted hashes, falling back to the store.
type Engine struct {
	store  DedupStore
	clock  clock.Clock
	window time.Duration
	cache  *ttlcache.Cache[string, time.Time]
}

func NewEngine(store DedupStore, clk clock.Clock, window time.Duration) *Engine {
	return &Engine{
		store:  store,
		clock:  clk,
		window: window,
		cache: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](window),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}
}

// IsDuplicate reports whether hash was first seen less than one dedup
// window ago.
func (e *Engine) IsDuplicate(ctx context.Context, hash string) (bool, error) {
	now := e.clock.Now()
	if item := e.cache.Get(hash); item != nil && now.Sub(item.Value()) < e.window {
		return true, nil
	}

	rec, err := e.store.LookupDedup(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if now.Sub(rec.FirstSeenAt) < e.window {
		e.Remember(hash, rec.FirstSeenAt)
		return true, nil
	}
	return false, nil
}

// Remember caches an accepted hash for the rest of its window.
func (e *Engine) Remember(hash string, firstSeen time.Time) {
	remaining := e.window - e.clock.Now().Sub(firstSeen)
	if remaining <= 0 {
		return
	}
	e.cache.Set(hash, firstSeen, remaining)
}

// Prune drops expired cache entries.
func (e *Engine) Prune() {
	e.cache.DeleteExpired()
}

func (e *Engine) Cached() int {
	return e.cache.Len()
}
