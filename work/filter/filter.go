package filter

import (
	"strings"
	"sync"

	"github.com/grafana/regexp"

	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/parser"
)

// Content type detection. Only live entries are playable channels; series and VOD
// entries in mixed provider lists are dropped on import.
var (
	seriesRegex = regexp.MustCompile(`(?i)\/series\/|\/shows\/|\/show\/`)
	vodRegex    = regexp.MustCompile(`(?i)\/vods\/|\/vod\/|\/movies\/|\/movie\/|\.(mp4|mkv|avi)$`)
)

// CompiledFilter holds the compiled patterns of one source.
type CompiledFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// FilterManager caches compiled filters per source URL.
type FilterManager struct {
	filters map[string]*CompiledFilter
	mu      sync.RWMutex
}

// NewFilterManager creates a new filter manager.
func NewFilterManager() *FilterManager {
	return &FilterManager{
		filters: make(map[string]*CompiledFilter),
	}
}

// GetOrCreateFilter returns the compiled filter of source, compiling it on first
// use. An invalid pattern is logged and treated as absent.
func (fm *FilterManager) GetOrCreateFilter(source *config.SourceConfig) *CompiledFilter {
	fm.mu.RLock()
	f, ok := fm.filters[source.URL]
	fm.mu.RUnlock()
	if ok {
		return f
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if f, ok := fm.filters[source.URL]; ok {
		return f
	}

	f = &CompiledFilter{
		Include: compile(source.Name, "include", source.IncludeRegex),
		Exclude: compile(source.Name, "exclude", source.ExcludeRegex),
	}
	fm.filters[source.URL] = f
	return f
}

func compile(sourceName, kind, pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Error("{filter - GetOrCreateFilter} invalid %s pattern %q for %s: %v", kind, pattern, sourceName, err)
		return nil
	}
	return re
}

// ClearFilters drops every compiled filter, used when the config is reloaded.
func (fm *FilterManager) ClearFilters() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.filters = make(map[string]*CompiledFilter)
}

// FilterEntries keeps the live entries of source that pass its include and
// exclude patterns. Patterns match against the lowercased name and the group.
func FilterEntries(entries []parser.Entry, source *config.SourceConfig, fm *FilterManager) []parser.Entry {
	f := fm.GetOrCreateFilter(source)
	filtered := make([]parser.Entry, 0, len(entries))

	for _, e := range entries {
		if contentType(e) != "live" {
			continue
		}
		if shouldInclude(e, f) {
			filtered = append(filtered, e)
		}
	}

	if dropped := len(entries) - len(filtered); dropped > 0 {
		logger.Debug("{filter - FilterEntries} %s: kept %d of %d entries", source.Name, len(filtered), len(entries))
	}
	return filtered
}

func shouldInclude(e parser.Entry, f *CompiledFilter) bool {
	name := strings.TrimSpace(strings.ToLower(e.Name))
	group := strings.ToLower(e.Group)

	if f.Include != nil && !f.Include.MatchString(name) && !f.Include.MatchString(group) {
		return false
	}
	if f.Exclude != nil && (f.Exclude.MatchString(name) || f.Exclude.MatchString(group)) {
		return false
	}
	return true
}

func contentType(e parser.Entry) string {
	if seriesRegex.MatchString(e.URL) {
		return "series"
	}
	if vodRegex.MatchString(e.URL) {
		return "vod"
	}

	group := strings.ToLower(e.Group)
	switch {
	case strings.Contains(group, "series"):
		return "series"
	case strings.Contains(group, "vod") || strings.Contains(group, "movie"):
		return "vod"
	}
	return "live"
}
