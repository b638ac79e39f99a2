// Package player keeps one playback queue per guild and streams tracks into
// voice sessions.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/keshon/groovebox/internal/music/stream"
	"github.com/keshon/groovebox/internal/storage"
	"github.com/rs/zerolog"
)

type PlayerStatus string

const (
	StatusPlaying PlayerStatus = "Playing"
	StatusAdded   PlayerStatus = "Track(s) Added"
	StatusStopped PlayerStatus = "Playback Stopped"
	StatusError   PlayerStatus = "Error"
)

func (status PlayerStatus) StringEmoji() string {
	m := map[PlayerStatus]string{
		StatusPlaying: "▶️",
		StatusAdded:   "🎶",
		StatusStopped: "⏹",
		StatusError:   "❌",
	}
	return m[status]
}

// Event is published on the status channel. Track is set for Playing, Added
// and track errors.
type Event struct {
	Status PlayerStatus
	Track  *Track
	Err    error
}

var (
	ErrNoTrackPlaying  = errors.New("no track is currently playing")
	ErrNoTracksInQueue = errors.New("no tracks in queue")
)

const (
	historyLimit = 12
	joinTimeout  = 20 * time.Second
)

// HistoryStore persists played tracks. *storage.Storage satisfies it.
type HistoryStore interface {
	AppendTrackToHistory(guildID string, track storage.TrackRecord) error
}

type Options struct {
	Voice   Voice
	Source  Source
	History HistoryStore
	Logger  zerolog.Logger

	// NewEncoder defaults to an opus encoder.
	NewEncoder func() (stream.Encoder, error)
}

type playback struct {
	gen       uint64
	channelID string
	cancel    context.CancelFunc
	done      chan struct{}
}

type Player struct {
	guildID string
	opts    Options
	log     zerolog.Logger

	// ctl serializes operations that start or stop playback.
	ctl sync.Mutex

	mu        sync.Mutex
	channelID string
	queue     []Track
	current   *Track
	history   []Track
	pb        *playback
	gen       uint64

	status chan Event
}

func New(guildID string, opts Options) *Player {
	if opts.NewEncoder == nil {
		opts.NewEncoder = stream.NewOpusEncoder
	}
	return &Player{
		guildID: guildID,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "player").Str("guild_id", guildID).Logger(),
		status:  make(chan Event, 10),
	}
}

func (p *Player) GuildID() string { return p.guildID }

// Status delivers playback events. Events are dropped when nobody reads.
func (p *Player) Status() <-chan Event { return p.status }

// Enqueue appends tracks to the queue.
func (p *Player) Enqueue(tracks ...Track) {
	if len(tracks) == 0 {
		return
	}

	p.mu.Lock()
	p.queue = append(p.queue, tracks...)
	playing := p.current != nil
	n := len(p.queue)
	p.mu.Unlock()

	p.log.Info().Int("added", len(tracks)).Int("queue_len", n).Msg("tracks enqueued")
	if playing {
		p.emit(Event{Status: StatusAdded, Track: &tracks[0]})
	}
}

// Play queues tracks and starts playback in channelID when nothing is playing.
// It reports whether playback was started. A second Play that arrives while
// the first one is still joining waits for it and only queues.
func (p *Player) Play(ctx context.Context, channelID string, tracks ...Track) (bool, error) {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.Enqueue(tracks...)
	if p.IsPlaying() {
		return false, nil
	}
	if err := p.startNext(ctx, channelID); err != nil {
		return false, err
	}
	return true, nil
}

// PlayNext stops the current track, if any, and plays the next queued one
// in channelID. Tracks that fail to open are skipped.
func (p *Player) PlayNext(ctx context.Context, channelID string) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.halt()
	return p.startNext(ctx, channelID)
}

// Skip moves to the next track in the current channel. With an empty queue
// playback stops and ErrNoTracksInQueue is returned.
func (p *Player) Skip(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	playing := p.current != nil
	channelID := p.channelID
	p.mu.Unlock()
	if !playing {
		return ErrNoTrackPlaying
	}

	p.halt()
	err := p.startNext(ctx, channelID)
	if errors.Is(err, ErrNoTracksInQueue) {
		p.emit(Event{Status: StatusStopped})
	}
	return err
}

// Stop ends playback. With leave the queue is cleared and the voice session
// destroyed.
func (p *Player) Stop(leave bool) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	playing := p.current != nil
	p.mu.Unlock()
	if !playing && !leave {
		return ErrNoTrackPlaying
	}

	p.halt()

	if leave {
		p.mu.Lock()
		p.queue = nil
		p.channelID = ""
		p.mu.Unlock()
		if p.opts.Voice.Leave(p.guildID) {
			p.log.Info().Msg("left voice channel")
		}
	}

	p.log.Info().Bool("leave", leave).Msg("playback stopped")
	p.emit(Event{Status: StatusStopped})
	return nil
}

// Current returns the playing track.
func (p *Player) Current() (*Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, ErrNoTrackPlaying
	}
	t := *p.current
	return &t, nil
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

func (p *Player) Queue() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queue)
}

// History returns played tracks, oldest first.
func (p *Player) History() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.history)
}

// halt cancels the running playback and waits for it. ctl must be held.
func (p *Player) halt() {
	p.mu.Lock()
	pb := p.pb
	p.pb = nil
	p.current = nil
	p.gen++
	p.mu.Unlock()

	if pb != nil {
		pb.cancel()
		<-pb.done
	}
}

// startNext pops tracks until one starts playing. ctl must be held.
func (p *Player) startNext(ctx context.Context, channelID string) error {
	if channelID == "" {
		return errors.New("voice channel is not set")
	}

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return ErrNoTracksInQueue
		}
		track := p.queue[0]
		p.queue = p.queue[1:]
		p.channelID = channelID
		gen := p.gen
		p.mu.Unlock()

		log := p.log.With().Str("title", track.Title).Str("url", track.URL).Logger()

		joinCtx, cancelJoin := context.WithTimeout(ctx, joinTimeout)
		conn, err := p.opts.Voice.Join(joinCtx, p.guildID, channelID)
		cancelJoin()
		if err != nil {
			p.mu.Lock()
			p.queue = append([]Track{track}, p.queue...)
			p.mu.Unlock()
			log.Error().Err(err).Msg("failed to join voice channel")
			p.emit(Event{Status: StatusError, Err: err})
			return err
		}

		pctx, cancel := context.WithCancel(context.Background())
		audio, err := p.opts.Source.Open(pctx, track)
		if err != nil {
			cancel()
			log.Error().Err(err).Msg("failed to open track, skipping")
			p.emit(Event{Status: StatusError, Track: &track, Err: err})
			continue
		}

		enc, err := p.opts.NewEncoder()
		if err != nil {
			cancel()
			audio.Close()
			log.Error().Err(err).Msg("failed to create encoder")
			p.emit(Event{Status: StatusError, Err: err})
			return err
		}

		pb := &playback{gen: gen, channelID: channelID, cancel: cancel, done: make(chan struct{})}

		p.mu.Lock()
		p.pb = pb
		p.current = &track
		p.history = keepLast(append(p.history, track), historyLimit)
		n := len(p.queue)
		p.mu.Unlock()

		if p.opts.History != nil {
			rec := storage.TrackRecord{
				Title:    track.Title,
				URL:      track.URL,
				Channel:  track.Channel,
				Duration: track.Duration,
				PlayedBy: track.RequestedBy,
				PlayedAt: time.Now(),
			}
			if err := p.opts.History.AppendTrackToHistory(p.guildID, rec); err != nil {
				log.Warn().Err(err).Msg("failed to save track history")
			}
		}

		log.Info().Int("queue_len", n).Msg("now playing")
		p.emit(Event{Status: StatusPlaying, Track: &track})

		go p.run(pctx, pb, track, conn, audio, enc)
		return nil
	}
}

func (p *Player) run(ctx context.Context, pb *playback, track Track, conn Conn, audio io.ReadCloser, enc stream.Encoder) {
	log := p.log.With().Str("title", track.Title).Logger()

	go func() {
		select {
		case <-conn.Done():
			pb.cancel()
		case <-ctx.Done():
		}
	}()

	frames, err := stream.Pump(ctx, audio, conn, enc, log)
	audio.Close()
	pb.cancel()

	advance := false
	select {
	case <-conn.Done():
		log.Info().Int("frames", frames).Msg("voice session ended, playback stopped")
	default:
		switch {
		case errors.Is(err, context.Canceled):
			log.Debug().Int("frames", frames).Msg("playback interrupted")
		case err != nil:
			log.Error().Err(err).Int("frames", frames).Msg("playback failed")
			p.emit(Event{Status: StatusError, Track: &track, Err: fmt.Errorf("playback: %w", err)})
			advance = true
		default:
			log.Debug().Int("frames", frames).Msg("track finished")
			advance = true
		}
	}

	p.mu.Lock()
	if p.pb == pb {
		p.pb = nil
		p.current = nil
	}
	p.mu.Unlock()
	close(pb.done)

	if advance {
		p.autoAdvance(pb)
	}
}

func (p *Player) autoAdvance(pb *playback) {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	stale := p.gen != pb.gen || p.pb != nil
	p.mu.Unlock()
	if stale {
		return
	}

	err := p.startNext(context.Background(), pb.channelID)
	switch {
	case errors.Is(err, ErrNoTracksInQueue):
		p.log.Info().Msg("queue finished")
		p.emit(Event{Status: StatusStopped})
	case err != nil:
		p.log.Error().Err(err).Msg("failed to continue queue")
	}
}

func (p *Player) emit(ev Event) {
	select {
	case p.status <- ev:
	default:
		p.log.Debug().Str("status", string(ev.Status)).Msg("player status dropped (channel full)")
	}
}

func keepLast[T any](list []T, n int) []T {
	if len(list) > n {
		return list[len(list)-n:]
	}
	return list
}
