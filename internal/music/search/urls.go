package search

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var youtubeURLPattern = regexp.MustCompile(`^(?:https?://)?(?:www\.|music\.|m\.)?(youtube\.com|youtu\.be)/\S+`)

func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func IsYouTubeURL(s string) bool {
	return youtubeURLPattern.MatchString(strings.TrimSpace(s))
}

// IsVideoURL reports whether s points at a single video rather than a page.
func IsVideoURL(s string) bool {
	return strings.Contains(s, "youtube.com/watch?v=") ||
		strings.Contains(s, "youtu.be/") ||
		strings.Contains(s, "youtube.com/shorts/")
}

// CleanVideoURL drops everything but the video ID from a watch URL, so
// timestamps and playlist parameters do not leak into playback.
func CleanVideoURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	host := u.Hostname()
	switch host {
	case "youtu.be":
		vid := strings.Trim(u.Path, "/")
		if vid == "" {
			return raw
		}
		return fmt.Sprintf("https://youtu.be/%s", vid)

	case "www.youtube.com", "youtube.com", "music.youtube.com", "m.youtube.com":
		if u.Path == "/watch" {
			if vid := u.Query().Get("v"); vid != "" {
				return fmt.Sprintf("https://%s/watch?v=%s", host, vid)
			}
		}
		if strings.HasPrefix(u.Path, "/shorts/") {
			return fmt.Sprintf("https://%s/watch?v=%s", host, strings.TrimPrefix(u.Path, "/shorts/"))
		}
	}
	return raw
}
