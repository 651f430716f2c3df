package parser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

// StreamVariant is one rendition listed by an HLS master playlist.
type StreamVariant struct {
	URL        string
	Bandwidth  uint32
	Resolution string
	Codecs     string
	FrameRate  float64
	Name       string
}

// Variant selection strategies for master playlist sources. An empty strategy
// lists every variant as its own channel.
const (
	VariantHighest = "highest"
	VariantLowest  = "lowest"
	VariantMedium  = "medium"
	Variant720p    = "720p"
)

// masterVariants extracts the variants of a master playlist with absolute URLs.
func masterVariants(master *m3u8.MasterPlaylist, baseURL string) []StreamVariant {
	var variants []StreamVariant
	for _, v := range master.Variants {
		if v == nil {
			break
		}
		variants = append(variants, StreamVariant{
			URL:        resolve(baseURL, v.URI),
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			FrameRate:  v.FrameRate,
			Name:       v.Name,
		})
	}
	return variants
}

// OrderByQuality returns a copy of variants sorted by bandwidth, highest first.
func OrderByQuality(variants []StreamVariant) []StreamVariant {
	ordered := append([]StreamVariant(nil), variants...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Bandwidth > ordered[j].Bandwidth
	})
	return ordered
}

// SelectVariant picks one variant by strategy. Unknown strategies pick the
// highest quality; 720p falls back to medium when no 720p rendition exists.
func SelectVariant(variants []StreamVariant, strategy string) (StreamVariant, bool) {
	if len(variants) == 0 {
		return StreamVariant{}, false
	}
	ordered := OrderByQuality(variants)

	switch strings.ToLower(strategy) {
	case VariantLowest:
		return ordered[len(ordered)-1], true
	case VariantMedium:
		return ordered[len(ordered)/2], true
	case Variant720p:
		for _, v := range ordered {
			if strings.HasSuffix(v.Resolution, "x720") {
				return v, true
			}
		}
		return ordered[len(ordered)/2], true
	default:
		return ordered[0], true
	}
}

// variantName labels a variant listed as its own channel.
func variantName(source string, v StreamVariant) string {
	switch {
	case v.Name != "":
		return v.Name
	case v.Resolution != "":
		return fmt.Sprintf("%s %s", source, v.Resolution)
	default:
		return fmt.Sprintf("%s %dk", source, v.Bandwidth/1000)
	}
}

func variantAttributes(v StreamVariant) map[string]string {
	attrs := map[string]string{}
	if v.Bandwidth > 0 {
		attrs["bandwidth"] = fmt.Sprintf("%d", v.Bandwidth)
	}
	if v.Resolution != "" {
		attrs["resolution"] = v.Resolution
	}
	if v.Codecs != "" {
		attrs["codecs"] = v.Codecs
	}
	return attrs
}
