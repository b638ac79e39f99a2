package search

import (
	"bytes"
	"errors"

	"github.com/tidwall/gjson"
)

var (
	initialDataMarkers = [][]byte{
		[]byte("var ytInitialData = "),
		[]byte(`window["ytInitialData"] = `),
	}
	initialDataEnd = []byte(";</script>")

	ErrNoInitialData = errors.New("results page has no ytInitialData")
)

// extractInitialData cuts the ytInitialData JSON object out of a results page.
func extractInitialData(page []byte) (string, error) {
	for _, marker := range initialDataMarkers {
		start := bytes.Index(page, marker)
		if start < 0 {
			continue
		}
		rest := page[start+len(marker):]
		end := bytes.Index(rest, initialDataEnd)
		if end < 0 {
			continue
		}
		data := string(rest[:end])
		if !gjson.Valid(data) {
			return "", errors.New("ytInitialData is not valid JSON")
		}
		return data, nil
	}
	return "", ErrNoInitialData
}

func parseResults(data, baseURL string) []Result {
	var out []Result
	sections := gjson.Get(data, "contents.twoColumnSearchResultsRenderer.primaryContents.sectionListRenderer.contents")
	sections.ForEach(func(_, section gjson.Result) bool {
		section.Get("itemSectionRenderer.contents").ForEach(func(_, item gjson.Result) bool {
			if r, ok := parseItem(item, baseURL); ok {
				out = append(out, r)
			}
			return true
		})
		return true
	})
	return out
}

func parseItem(item gjson.Result, baseURL string) (Result, bool) {
	if v := item.Get("videoRenderer"); v.Exists() {
		id := v.Get("videoId").String()
		if id == "" {
			return Result{}, false
		}
		duration := v.Get("lengthText.simpleText").String()
		return Result{
			Type:      TypeVideo,
			ID:        id,
			Title:     text(v.Get("title")),
			URL:       baseURL + "/watch?v=" + id,
			Author:    text(v.Get("ownerText")),
			Duration:  duration,
			Thumbnail: lastThumbnail(v.Get("thumbnail.thumbnails")),
			Live:      duration == "",
		}, true
	}

	if p := item.Get("playlistRenderer"); p.Exists() {
		id := p.Get("playlistId").String()
		if id == "" {
			return Result{}, false
		}
		return Result{
			Type:      TypePlaylist,
			ID:        id,
			Title:     text(p.Get("title")),
			URL:       baseURL + "/playlist?list=" + id,
			Author:    text(p.Get("shortBylineText")),
			Thumbnail: lastThumbnail(p.Get("thumbnails.0.thumbnails")),
		}, true
	}

	if c := item.Get("channelRenderer"); c.Exists() {
		id := c.Get("channelId").String()
		if id == "" {
			return Result{}, false
		}
		title := text(c.Get("title"))
		return Result{
			Type:      TypeChannel,
			ID:        id,
			Title:     title,
			URL:       baseURL + "/channel/" + id,
			Author:    title,
			Thumbnail: lastThumbnail(c.Get("thumbnail.thumbnails")),
		}, true
	}

	return Result{}, false
}

// text reads either {"simpleText": ...} or the first run of {"runs": [...]}.
func text(r gjson.Result) string {
	if s := r.Get("simpleText"); s.Exists() {
		return s.String()
	}
	return r.Get("runs.0.text").String()
}

func lastThumbnail(list gjson.Result) string {
	thumbs := list.Array()
	if len(thumbs) == 0 {
		return ""
	}
	return thumbs[len(thumbs)-1].Get("url").String()
}
