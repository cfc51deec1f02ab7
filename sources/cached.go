package sources

import (
	"context"
	"time"
)

// ChangeCache is the narrow cache interface a Cached source consults
// before asking its wrapped Source whether a document changed. Satisfied
// by package cache's RedisCache.
type ChangeCache interface {
	LastSeen(ctx context.Context, docID string) (time.Time, bool, error)
	SetLastSeen(ctx context.Context, docID string, t time.Time, ttl time.Duration) error
}

// Cached wraps a Source so HasChanged short-circuits to "unchanged" when
// the document was already fetched within TTL, sparing the backend a
// round trip on every worker's re-check during a long run.
type Cached struct {
	Source
	Cache ChangeCache
	TTL   time.Duration
}

// NewCached wraps src with a change-detection cache.
func NewCached(src Source, c ChangeCache, ttl time.Duration) *Cached {
	return &Cached{Source: src, Cache: c, TTL: ttl}
}

func (c *Cached) HasChanged(ctx context.Context, docID string, lastSeen time.Time) (bool, error) {
	if cached, ok, err := c.Cache.LastSeen(ctx, docID); err == nil && ok && !cached.Before(lastSeen) {
		return false, nil
	}
	return c.Source.HasChanged(ctx, docID, lastSeen)
}

func (c *Cached) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	res, err := c.Source.Fetch(ctx, docID)
	if err != nil {
		return nil, err
	}
	_ = c.Cache.SetLastSeen(ctx, docID, time.Now(), c.TTL)
	return res, nil
}

var _ Source = (*Cached)(nil)
