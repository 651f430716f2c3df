package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"kptv-player/work/config"
	"kptv-player/work/logger"
)

// ErrEmptyPlaylist is returned when a body holds no playable entries.
var ErrEmptyPlaylist = errors.New("playlist has no entries")

var attrRegex = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

// Entry is one playable item found in a source playlist.
type Entry struct {
	Name       string
	URL        string
	Group      string // group-title, or the source name for HLS playlists
	TvgID      string
	Logo       string
	Attributes map[string]string
}

// Parse decodes a playlist body. HLS playlists (anything carrying #EXT-X- tags) go
// through grafov/m3u8; plain IPTV lists go through the EXTINF parser.
func Parse(body []byte, source *config.SourceConfig) ([]Entry, error) {
	var entries []Entry

	if bytes.Contains(body, []byte("#EXT-X-")) {
		playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), false)
		if err != nil {
			logger.Warn("{parser/m3u8 - Parse} grafov parser failed for %s, using fallback: %v", source.Name, err)
			entries = ParseM3U8Fallback(bytes.NewReader(body), source)
		} else {
			entries = ParseWithGrafov(playlist, listType, source)
		}
	} else {
		entries = ParseM3U8Fallback(bytes.NewReader(body), source)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", source.Name, ErrEmptyPlaylist)
	}
	return entries, nil
}

// ParseWithGrafov turns a decoded HLS playlist into entries. A master playlist
// yields one entry per variant, all grouped under the source name, or a single
// entry when the source names a variant strategy. A media playlist is itself a
// single live channel.
func ParseWithGrafov(playlist m3u8.Playlist, listType m3u8.ListType, source *config.SourceConfig) []Entry {
	var entries []Entry

	switch listType {
	case m3u8.MEDIA:
		entries = append(entries, Entry{
			Name:       source.Name,
			URL:        source.URL,
			Group:      source.Name,
			Attributes: map[string]string{},
		})

	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil
		}
		variants := masterVariants(master, source.URL)

		if source.Variant != "" {
			if v, ok := SelectVariant(variants, source.Variant); ok {
				entries = append(entries, Entry{
					Name:       source.Name,
					URL:        v.URL,
					Group:      source.Name,
					Attributes: variantAttributes(v),
				})
			}
			break
		}

		for _, v := range variants {
			entries = append(entries, Entry{
				Name:       variantName(source.Name, v),
				URL:        v.URL,
				Group:      source.Name,
				Attributes: variantAttributes(v),
			})
		}
	}

	logger.Debug("{parser/m3u8 - ParseWithGrafov} %d entries from %s", len(entries), source.Name)
	return entries
}

// ParseM3U8Fallback reads an extended M3U channel list line by line. Each #EXTINF
// line is paired with the next URL line.
func ParseM3U8Fallback(reader io.Reader, source *config.SourceConfig) []Entry {
	var entries []Entry
	var current map[string]string

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\uFEFF"))

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			current = ParseEXTINF(line)
		case current != nil && isStreamURL(line):
			name := current["tvg-name"]
			if name == "" {
				name = "Unknown"
			}
			entries = append(entries, Entry{
				Name:       name,
				URL:        resolve(source.URL, line),
				Group:      current["group-title"],
				TvgID:      current["tvg-id"],
				Logo:       current["tvg-logo"],
				Attributes: current,
			})
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("{parser/m3u8 - ParseM3U8Fallback} read error for %s: %v", source.Name, err)
	}
	logger.Debug("{parser/m3u8 - ParseM3U8Fallback} %d entries from %s", len(entries), source.Name)
	return entries
}

// ParseEXTINF extracts the quoted attributes and the display name of an #EXTINF
// line. The display name is stored as tvg-name; an explicit tvg-name attribute
// wins over it.
func ParseEXTINF(line string) map[string]string {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	// the display name follows the last comma outside quotes
	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}

	attrPart := line
	if lastComma != -1 {
		attrPart = line[:lastComma]
		if name := strings.TrimSpace(line[lastComma+1:]); name != "" {
			attrs["tvg-name"] = name
		}
	}

	if fields := strings.Fields(attrPart); len(fields) > 0 && !strings.Contains(fields[0], "=") {
		attrs["duration"] = fields[0]
	}

	for _, m := range attrRegex.FindAllStringSubmatch(attrPart, -1) {
		key := strings.ToLower(m[1])
		if key == "tvg-name" && m[2] == "" {
			continue
		}
		attrs[key] = strings.TrimSpace(m[2])
	}
	return attrs
}

func isStreamURL(line string) bool {
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") ||
		strings.HasPrefix(line, "rtmp://") || strings.HasPrefix(line, "rtsp://") ||
		strings.HasPrefix(line, "udp://") || !strings.Contains(line, "://")
}

// resolve makes ref absolute against the playlist URL.
func resolve(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
