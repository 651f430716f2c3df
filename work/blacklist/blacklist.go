package blacklist

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"kptv-player/work/logger"
	"kptv-player/work/metrics"
)

// Entry is a single blacklisted stream endpoint with the context it failed in.
type Entry struct {
	URL       string    `json:"url"`       // Failed stream endpoint
	Channel   string    `json:"channel"`   // Channel that was playing the endpoint
	Reason    string    `json:"reason"`    // hard_error, open_timeout, reconnect_timeout, ...
	Timestamp time.Time `json:"timestamp"` // When the endpoint was first marked
}

// Blacklist tracks stream endpoints that recently failed so the auto-skip chain
// never retries them. Trust is global: the whole list is cleared whenever any
// channel reaches stable playback, or when the user asks for it.
//
// A Blacklist is shared by every playback session of a player and is safe for
// concurrent use.
type Blacklist struct {
	entries *xsync.MapOf[string, Entry]
	now     func() time.Time
}

// New creates an empty blacklist.
func New() *Blacklist {
	return &Blacklist{
		entries: xsync.NewMapOf[string, Entry](),
		now:     time.Now,
	}
}

// MarkFailed adds url to the blacklist. Marking an endpoint that is already present
// changes nothing, whatever the reason: the first failure's entry is kept until
// the endpoint is revived or the list is cleared. Returns true when the endpoint
// was newly added.
func (b *Blacklist) MarkFailed(url, channel, reason string) bool {
	if url == "" {
		return false
	}

	added := false
	b.entries.Compute(url, func(old Entry, loaded bool) (Entry, bool) {
		if loaded {
			return old, false
		}
		added = true
		return Entry{URL: url, Channel: channel, Reason: reason, Timestamp: b.now()}, false
	})

	if added {
		metrics.BlacklistSize.Set(float64(b.entries.Size()))
		logger.Debug("{blacklist - MarkFailed} endpoint for %s blacklisted (%s)", channel, reason)
	}
	return added
}

// IsBlacklisted reports whether url is currently blacklisted.
func (b *Blacklist) IsBlacklisted(url string) bool {
	_, ok := b.entries.Load(url)
	return ok
}

// Revive removes a single endpoint. Returns false when it was not blacklisted.
func (b *Blacklist) Revive(url string) bool {
	_, ok := b.entries.LoadAndDelete(url)
	if ok {
		metrics.BlacklistSize.Set(float64(b.entries.Size()))
	}
	return ok
}

// ClearAll empties the blacklist and returns how many entries were dropped.
func (b *Blacklist) ClearAll() int {
	cleared := 0
	b.entries.Range(func(url string, _ Entry) bool {
		if _, ok := b.entries.LoadAndDelete(url); ok {
			cleared++
		}
		return true
	})

	metrics.BlacklistSize.Set(float64(b.entries.Size()))
	if cleared > 0 {
		logger.Debug("{blacklist - ClearAll} cleared %d endpoints", cleared)
	}
	return cleared
}

// Len returns the number of blacklisted endpoints.
func (b *Blacklist) Len() int {
	return b.entries.Size()
}

// Entries returns a snapshot of the blacklist ordered by timestamp, oldest first.
func (b *Blacklist) Entries() []Entry {
	out := make([]Entry, 0, b.entries.Size())
	b.entries.Range(func(_ string, e Entry) bool {
		out = append(out, e)
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].URL < out[j].URL
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
