package player

import (
	"context"
	"io"

	"github.com/keshon/groovebox/internal/music/media"
	"github.com/keshon/groovebox/internal/music/stream"
	"github.com/keshon/groovebox/internal/voice"
)

type Track struct {
	Title       string
	URL         string
	Channel     string
	Duration    string
	Thumbnail   string
	RequestedBy string

	Info *media.Info
}

func TrackFromInfo(info *media.Info, requestedBy string) Track {
	return Track{
		Title:       info.Title,
		URL:         info.URL,
		Channel:     info.Channel,
		Duration:    info.DurationRaw,
		Thumbnail:   info.Thumbnail,
		RequestedBy: requestedBy,
		Info:        info,
	}
}

// Source turns a track into PCM audio. The reader lives until ctx is done
// or it is closed.
type Source interface {
	Open(ctx context.Context, t Track) (io.ReadCloser, error)
}

type MediaSource struct {
	Client *media.Client
}

func (m MediaSource) Open(ctx context.Context, t Track) (io.ReadCloser, error) {
	info := t.Info
	if info == nil {
		var err error
		if info, err = m.Client.VideoInfo(ctx, t.URL); err != nil {
			return nil, err
		}
	}
	return m.Client.CreateResource(ctx, info)
}

// Conn is a live voice connection.
type Conn interface {
	stream.Sink
	Done() <-chan struct{}
}

type Voice interface {
	Join(ctx context.Context, guildID, channelID string) (Conn, error)
	Leave(guildID string) bool
}

type managerVoice struct {
	m *voice.Manager
}

// FromManager plays through sessions owned by m.
func FromManager(m *voice.Manager) Voice {
	return managerVoice{m: m}
}

func (v managerVoice) Join(ctx context.Context, guildID, channelID string) (Conn, error) {
	s, err := v.m.Create(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (v managerVoice) Leave(guildID string) bool {
	return v.m.Destroy(guildID)
}
