package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"kptv-player/work/config"
	"kptv-player/work/logger"
)

// XCLiveStream is one entry of the get_live_streams response.
type XCLiveStream struct {
	StreamID     xcID   `json:"stream_id"`
	Name         string `json:"name"`
	CategoryID   xcID   `json:"category_id"`
	StreamIcon   string `json:"stream_icon"`
	EpgChannelID string `json:"epg_channel_id"`
}

// XCCategory is one entry of the get_live_categories response.
type XCCategory struct {
	CategoryID   xcID   `json:"category_id"`
	CategoryName string `json:"category_name"`
}

// xcID accepts panel IDs sent either as numbers or as strings.
type xcID string

func (x *xcID) UnmarshalJSON(b []byte) error {
	v := strings.Trim(string(b), `"`)
	if v == "null" {
		v = ""
	}
	*x = xcID(v)
	return nil
}

func (x xcID) String() string { return string(x) }

// FetchFunc fetches a URL body.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// IsXtreamCodes reports whether source is an Xtream Codes panel rather than a playlist.
func IsXtreamCodes(source *config.SourceConfig) bool {
	return source.Username != "" && source.Password != ""
}

// ParseXtremeCodesAPI lists the live channels of an Xtream Codes panel. Channels
// are grouped by the panel's live category names; VOD and series are not
// channels and are not requested.
func ParseXtremeCodesAPI(ctx context.Context, fetch FetchFunc, source *config.SourceConfig) ([]Entry, error) {
	base := strings.TrimRight(source.URL, "/")

	categories, err := fetchXCData[XCCategory](ctx, fetch, xcActionURL(base, source, "get_live_categories"))
	if err != nil {
		// streams are still usable without category names
		logger.Warn("{parser/xtremecodes - ParseXtremeCodesAPI} %s: live categories unavailable: %v", source.Name, err)
	}
	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.CategoryID.String()] = strings.TrimSpace(c.CategoryName)
	}

	streams, err := fetchXCData[XCLiveStream](ctx, fetch, xcActionURL(base, source, "get_live_streams"))
	if err != nil {
		return nil, fmt.Errorf("%s: live streams: %w", source.Name, err)
	}

	entries := make([]Entry, 0, len(streams))
	for _, s := range streams {
		id, err := strconv.ParseInt(s.StreamID.String(), 10, 64)
		if err != nil || s.Name == "" {
			continue
		}
		entries = append(entries, Entry{
			Name:  strings.TrimSpace(s.Name),
			URL:   fmt.Sprintf("%s/live/%s/%s/%d.ts", base, url.PathEscape(source.Username), url.PathEscape(source.Password), id),
			Group: names[s.CategoryID.String()],
			TvgID: s.EpgChannelID,
			Logo:  s.StreamIcon,
			Attributes: map[string]string{
				"xc-stream-id": strconv.FormatInt(id, 10),
				"tvg-id":       s.EpgChannelID,
			},
		})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", source.Name, ErrEmptyPlaylist)
	}
	logger.Debug("{parser/xtremecodes - ParseXtremeCodesAPI} %d live channels from %s", len(entries), source.Name)
	return entries, nil
}

func xcActionURL(base string, source *config.SourceConfig, action string) string {
	q := url.Values{}
	q.Set("username", source.Username)
	q.Set("password", source.Password)
	q.Set("action", action)
	return base + "/player_api.php?" + q.Encode()
}

// fetchXCData fetches and decodes one player_api.php response. Panels answer an
// empty list with either [] or an object, so anything but an array is empty.
func fetchXCData[T any](ctx context.Context, fetch FetchFunc, u string) ([]T, error) {
	body, err := fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 || body[0] != '[' {
		return nil, nil
	}

	var out []T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}
