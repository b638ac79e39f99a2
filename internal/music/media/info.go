package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	youtube "github.com/kkdai/youtube/v2"
)

var ErrUnsupportedURL = errors.New("not a youtube video url")

// Info is the subset of video metadata the bot shows and plays from.
type Info struct {
	ID          string
	Title       string
	Channel     string
	Duration    time.Duration
	DurationRaw string
	Thumbnail   string
	URL         string
	Live        bool

	video *youtube.Video
}

// VideoInfo fetches metadata for a watch URL or bare video ID.
func (c *Client) VideoInfo(ctx context.Context, rawURL string) (*Info, error) {
	id, err := ExtractVideoID(rawURL)
	if err != nil {
		return nil, err
	}

	video, err := c.yt.GetVideoContext(ctx, id)
	if err != nil {
		c.log.Error().Err(err).Str("video_id", id).Msg("failed to fetch video info")
		return nil, fmt.Errorf("video info %s: %w", id, err)
	}

	info := ParseVideoInfo(video)
	c.log.Debug().
		Str("video_id", info.ID).
		Str("title", info.Title).
		Str("duration", info.DurationRaw).
		Msg("video info fetched")
	return info, nil
}

// ParseVideoInfo extracts title, channel and duration from a kkdai video.
func ParseVideoInfo(v *youtube.Video) *Info {
	info := &Info{
		ID:          v.ID,
		Title:       v.Title,
		Channel:     v.Author,
		Duration:    v.Duration,
		DurationRaw: FormatDuration(v.Duration),
		URL:         "https://www.youtube.com/watch?v=" + v.ID,
		Live:        v.Duration == 0,
		video:       v,
	}
	if n := len(v.Thumbnails); n > 0 {
		info.Thumbnail = v.Thumbnails[n-1].URL
	}
	return info
}

// FormatDuration renders d the way YouTube does: "3:07", "1:02:03".
// Zero is rendered as "LIVE".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "LIVE"
	}
	total := int(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ExtractVideoID accepts watch, short-link, shorts and music URLs, or an
// 11 character ID.
func ExtractVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if isVideoID(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, raw)
	}

	var id string
	switch strings.TrimPrefix(u.Hostname(), "www.") {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/live/"):
			id = strings.TrimPrefix(u.Path, "/live/")
		}
	}

	if !isVideoID(id) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, raw)
	}
	return id, nil
}

func isVideoID(s string) bool {
	if len(s) != 11 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
