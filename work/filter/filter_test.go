package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kptv-player/work/config"
	"kptv-player/work/parser"
)

func names(entries []parser.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestFilterEntries(t *testing.T) {
	entries := []parser.Entry{
		{Name: "Canal 24", URL: "http://p/live/1.ts", Group: "Noticias"},
		{Name: "Radio Hits", URL: "http://p/live/2.ts", Group: "Música"},
		{Name: "Adult Zone", URL: "http://p/live/3.ts", Group: "XXX"},
		{Name: "Some Movie", URL: "http://p/movie/4.mp4", Group: "Cine"},
		{Name: "Show S01E01", URL: "http://p/series/5.mkv", Group: "Series"},
	}

	t.Run("no patterns keeps live entries", func(t *testing.T) {
		fm := NewFilterManager()
		src := &config.SourceConfig{Name: "p", URL: "http://p/list"}
		assert.Equal(t, []string{"Canal 24", "Radio Hits", "Adult Zone"}, names(FilterEntries(entries, src, fm)))
	})

	t.Run("exclude matches group", func(t *testing.T) {
		fm := NewFilterManager()
		src := &config.SourceConfig{Name: "p", URL: "http://p/list", ExcludeRegex: `(?i)xxx`}
		assert.Equal(t, []string{"Canal 24", "Radio Hits"}, names(FilterEntries(entries, src, fm)))
	})

	t.Run("include matches name or group", func(t *testing.T) {
		fm := NewFilterManager()
		src := &config.SourceConfig{Name: "p", URL: "http://p/list", IncludeRegex: `noticias|radio`}
		assert.Equal(t, []string{"Canal 24", "Radio Hits"}, names(FilterEntries(entries, src, fm)))
	})

	t.Run("invalid pattern is ignored", func(t *testing.T) {
		fm := NewFilterManager()
		src := &config.SourceConfig{Name: "p", URL: "http://p/list", IncludeRegex: `([`}
		assert.Len(t, FilterEntries(entries, src, fm), 3)
	})
}

func TestFilterManagerCachesPerSource(t *testing.T) {
	fm := NewFilterManager()
	src := &config.SourceConfig{Name: "p", URL: "http://p/list", IncludeRegex: `a`}

	first := fm.GetOrCreateFilter(src)
	assert.Same(t, first, fm.GetOrCreateFilter(src))

	fm.ClearFilters()
	assert.NotSame(t, first, fm.GetOrCreateFilter(src))
}
