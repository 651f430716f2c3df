package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache holds recently fetched playlist bodies keyed by source URL, so a refresh
// that lands within the cache duration does not hit the provider again.
type Cache struct {
	playlists *otter.Cache[string, []byte]
	duration  time.Duration
}

// NewCache creates a cache whose entries expire duration after they were written.
// A non-positive duration disables caching.
func NewCache(duration time.Duration) *Cache {
	c := &Cache{duration: duration}
	if duration > 0 {
		c.playlists = otter.Must(&otter.Options[string, []byte]{
			MaximumSize:      256,
			ExpiryCalculator: otter.ExpiryWriting[string, []byte](duration),
		})
	}
	return c
}

// GetPlaylist returns the cached body for key, if present and not expired.
func (c *Cache) GetPlaylist(key string) ([]byte, bool) {
	if c.playlists == nil {
		return nil, false
	}
	return c.playlists.GetIfPresent(key)
}

// SetPlaylist stores body under key.
func (c *Cache) SetPlaylist(key string, body []byte) {
	if c.playlists == nil {
		return
	}
	c.playlists.Set(key, body)
}

// Clear drops every cached playlist, forcing the next import to refetch.
func (c *Cache) Clear() {
	if c.playlists == nil {
		return
	}
	c.playlists.InvalidateAll()
}
