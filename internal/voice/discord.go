package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const (
	eventBufferSize   = 32
	readyPollInterval = 250 * time.Millisecond
)

var errVoiceServerGone = errors.New("voice server deallocated")

// DiscordFactory joins voice channels through a discordgo session and turns
// gateway voice updates plus the connection's ready flag into transport events.
type DiscordFactory struct {
	dg  *discordgo.Session
	log zerolog.Logger

	mu         sync.Mutex
	transports map[string]*discordTransport
}

// NewDiscordFactory registers the voice gateway handlers on dg.
func NewDiscordFactory(dg *discordgo.Session, log zerolog.Logger) *DiscordFactory {
	f := &DiscordFactory{
		dg:         dg,
		log:        log,
		transports: make(map[string]*discordTransport),
	}
	dg.AddHandler(f.onVoiceStateUpdate)
	dg.AddHandler(f.onVoiceServerUpdate)
	return f
}

// Join connects self-deafened to the channel and waits until discordgo reports
// the connection ready, or ctx ends.
func (f *DiscordFactory) Join(ctx context.Context, guildID, channelID string) (Transport, error) {
	t := &discordTransport{
		guildID: guildID,
		events:  make(chan Event, eventBufferSize),
		quit:    make(chan struct{}),
		log:     f.log.With().Str("guild_id", guildID).Logger(),
		release: f.untrack,
	}
	f.track(t)
	t.emit(Event{State: StateSignalling})

	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vc, err := f.dg.ChannelVoiceJoin(guildID, channelID, false, true)
		ch <- result{vc: vc, err: err}
	}()

	select {
	case <-ctx.Done():
		f.untrack(t)
		go func() {
			if r := <-ch; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()

	case r := <-ch:
		if r.err != nil {
			f.untrack(t)
			if r.vc != nil {
				_ = r.vc.Disconnect()
			}
			return nil, r.err
		}
		t.attach(r.vc)
		return t, nil
	}
}

func (f *DiscordFactory) track(t *discordTransport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports[t.guildID] = t
}

func (f *DiscordFactory) untrack(t *discordTransport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.transports[t.guildID]; ok && cur == t {
		delete(f.transports, t.guildID)
	}
}

func (f *DiscordFactory) lookup(guildID string) *discordTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[guildID]
}

func (f *DiscordFactory) onVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || s.State == nil || s.State.User == nil {
		return
	}
	if vsu.UserID != s.State.User.ID {
		return
	}
	t := f.lookup(vsu.GuildID)
	if t == nil {
		return
	}

	switch {
	case vsu.ChannelID == "":
		t.emit(Event{State: StateDisconnected})
	case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID != "" && vsu.BeforeUpdate.ChannelID != vsu.ChannelID:
		// moved to another channel, discordgo will renegotiate
		t.emit(Event{State: StateSignalling, ChannelID: vsu.ChannelID})
	}
}

func (f *DiscordFactory) onVoiceServerUpdate(_ *discordgo.Session, vsu *discordgo.VoiceServerUpdate) {
	if vsu == nil {
		return
	}
	t := f.lookup(vsu.GuildID)
	if t == nil {
		return
	}
	if vsu.Endpoint == "" {
		t.emit(Event{Err: errVoiceServerGone})
		return
	}
	t.emit(Event{State: StateConnecting})
}

type discordTransport struct {
	guildID string
	log     zerolog.Logger
	release func(*discordTransport)

	vc *discordgo.VoiceConnection

	mu     sync.Mutex
	last   State
	closed bool
	events chan Event
	quit   chan struct{}
}

func (t *discordTransport) attach(vc *discordgo.VoiceConnection) {
	t.vc = vc

	t.mu.Lock()
	last := t.last
	t.mu.Unlock()
	if last == StateSignalling {
		t.emit(Event{State: StateConnecting})
	}

	go t.watch()
}

// watch follows the connection's ready flag, which discordgo flips while it
// reconnects the voice websocket.
func (t *discordTransport) watch() {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			t.vc.RLock()
			ready := t.vc.Ready
			t.vc.RUnlock()

			t.mu.Lock()
			last := t.last
			t.mu.Unlock()

			switch {
			case ready && last != StateReady && last != StateDisconnected:
				t.emit(Event{State: StateReady})
			case !ready && last == StateReady:
				t.emit(Event{State: StateDisconnected})
			}
		}
	}
}

func (t *discordTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if ev.Err == nil {
		t.last = ev.State
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warn().Stringer("state", ev.State).Msg("voice event dropped, buffer full")
	}
}

func (t *discordTransport) Events() <-chan Event { return t.events }

func (t *discordTransport) SendOpus(ctx context.Context, frame []byte) error {
	select {
	case <-t.quit:
		return ErrSessionDestroyed
	default:
	}

	select {
	case t.vc.OpusSend <- frame:
		return nil
	case <-t.quit:
		return ErrSessionDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *discordTransport) Speaking(speaking bool) error {
	select {
	case <-t.quit:
		return ErrSessionDestroyed
	default:
	}
	return t.vc.Speaking(speaking)
}

func (t *discordTransport) Destroy() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.quit)
	close(t.events)
	t.mu.Unlock()

	if t.release != nil {
		t.release(t)
	}
	if t.vc == nil {
		return nil
	}
	return t.vc.Disconnect()
}
