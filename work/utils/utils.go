package utils

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"kptv-player/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// channelNameReplacer maps characters that are unsafe in identifiers to underscores
var channelNameReplacer = strings.NewReplacer(
	" ", "_", ",", "_", "\"", "", "'", "", "/", "_", "\\", "_", "?", "_", "&", "_",
	"=", "_", ":", "_", ";", "_", "|", "_", "*", "_", "<", "_", ">", "_",
)

// SanitizeChannelName turns a display name into an identifier-safe token.
func SanitizeChannelName(name string) string {
	sanitized := channelNameReplacer.Replace(strings.TrimSpace(name))

	// Remove consecutive underscores
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return strings.ToLower(strings.Trim(sanitized, "_"))
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// FormatDuration converts a duration to a short human-readable form ("45s", "3m", "2h 5m", "1d 4h").
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

// FormatBytes renders a byte count with a binary unit ("512 B", "1.5 KB", "3.2 MB").
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
