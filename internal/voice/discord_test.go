package voice

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botUserID = "bot-1"

func newTestFactory(t *testing.T) (*DiscordFactory, *discordgo.Session) {
	t.Helper()
	st := discordgo.NewState()
	st.User = &discordgo.User{ID: botUserID}
	dg := &discordgo.Session{State: st}
	return NewDiscordFactory(dg, zerolog.Nop()), dg
}

// trackedTransport registers a transport the way Join does, without a
// gateway connection behind it.
func trackedTransport(f *DiscordFactory, guildID string) *discordTransport {
	tr := &discordTransport{
		guildID: guildID,
		events:  make(chan Event, eventBufferSize),
		quit:    make(chan struct{}),
		log:     zerolog.Nop(),
		release: f.untrack,
	}
	f.track(tr)
	return tr
}

func nextEvent(t *testing.T, tr *discordTransport) Event {
	t.Helper()
	select {
	case ev := <-tr.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no transport event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, tr *discordTransport) {
	t.Helper()
	select {
	case ev := <-tr.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func stateUpdate(userID, guildID, channelID, before string) *discordgo.VoiceStateUpdate {
	vsu := &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{UserID: userID, GuildID: guildID, ChannelID: channelID},
	}
	if before != "" {
		vsu.BeforeUpdate = &discordgo.VoiceState{UserID: userID, GuildID: guildID, ChannelID: before}
	}
	return vsu
}

func TestVoiceServerUpdate(t *testing.T) {
	f, dg := newTestFactory(t)
	tr := trackedTransport(f, "g1")

	f.onVoiceServerUpdate(dg, &discordgo.VoiceServerUpdate{GuildID: "g1", Endpoint: ""})
	ev := nextEvent(t, tr)
	assert.ErrorIs(t, ev.Err, errVoiceServerGone)

	f.onVoiceServerUpdate(dg, &discordgo.VoiceServerUpdate{GuildID: "g1", Endpoint: "eu-west1.discord.media:443", Token: "x"})
	ev = nextEvent(t, tr)
	require.NoError(t, ev.Err)
	assert.Equal(t, StateConnecting, ev.State)

	f.onVoiceServerUpdate(dg, &discordgo.VoiceServerUpdate{GuildID: "other", Endpoint: "x"})
	assertNoEvent(t, tr)
}

func TestVoiceStateUpdate(t *testing.T) {
	f, dg := newTestFactory(t)
	tr := trackedTransport(f, "g1")

	t.Run("other users are ignored", func(t *testing.T) {
		f.onVoiceStateUpdate(dg, stateUpdate("someone", "g1", "", "c1"))
		assertNoEvent(t, tr)
	})

	t.Run("unchanged channel is ignored", func(t *testing.T) {
		f.onVoiceStateUpdate(dg, stateUpdate(botUserID, "g1", "c1", "c1"))
		assertNoEvent(t, tr)
	})

	t.Run("channel move is signalling", func(t *testing.T) {
		f.onVoiceStateUpdate(dg, stateUpdate(botUserID, "g1", "c2", "c1"))
		ev := nextEvent(t, tr)
		assert.Equal(t, StateSignalling, ev.State)
		assert.Equal(t, "c2", ev.ChannelID)
	})

	t.Run("leaving the channel is a disconnect", func(t *testing.T) {
		f.onVoiceStateUpdate(dg, stateUpdate(botUserID, "g1", "", "c2"))
		ev := nextEvent(t, tr)
		assert.Equal(t, StateDisconnected, ev.State)
		assert.Empty(t, ev.ChannelID)
	})

	t.Run("untracked guild is ignored", func(t *testing.T) {
		f.onVoiceStateUpdate(dg, stateUpdate(botUserID, "g2", "", "c1"))
		assertNoEvent(t, tr)
	})
}

func TestVoiceStateUpdateWithoutUser(t *testing.T) {
	f, _ := newTestFactory(t)
	tr := trackedTransport(f, "g1")

	assert.NotPanics(t, func() {
		f.onVoiceStateUpdate(&discordgo.Session{State: discordgo.NewState()}, stateUpdate(botUserID, "g1", "", "c1"))
		f.onVoiceStateUpdate(&discordgo.Session{State: discordgo.NewState()}, &discordgo.VoiceStateUpdate{})
	})
	assertNoEvent(t, tr)
}

func TestDestroyedTransportStopsEmitting(t *testing.T) {
	f, dg := newTestFactory(t)
	tr := trackedTransport(f, "g1")

	require.NoError(t, tr.Destroy())
	require.NoError(t, tr.Destroy())
	assert.Nil(t, f.lookup("g1"))

	assert.NotPanics(t, func() {
		tr.emit(Event{State: StateReady})
		f.onVoiceServerUpdate(dg, &discordgo.VoiceServerUpdate{GuildID: "g1", Endpoint: "x"})
	})

	_, ok := <-tr.events
	assert.False(t, ok, "event channel is closed")
	assert.ErrorIs(t, tr.SendOpus(t.Context(), []byte{1}), ErrSessionDestroyed)
	assert.ErrorIs(t, tr.Speaking(true), ErrSessionDestroyed)
}

func TestFullEventBufferDropsInsteadOfBlocking(t *testing.T) {
	f, _ := newTestFactory(t)
	tr := trackedTransport(f, "g1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBufferSize+5; i++ {
			tr.emit(Event{State: StateConnecting})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full buffer")
	}
	assert.Len(t, tr.events, eventBufferSize)
}

func TestReadyFlagDrivesReadyAndDisconnected(t *testing.T) {
	f, _ := newTestFactory(t)
	tr := trackedTransport(f, "g1")
	tr.emit(Event{State: StateSignalling})
	assert.Equal(t, StateSignalling, nextEvent(t, tr).State)

	vc := &discordgo.VoiceConnection{GuildID: "g1"}
	tr.attach(vc)
	t.Cleanup(func() {
		// the bare connection cannot Disconnect, so only stop the watcher
		tr.mu.Lock()
		tr.closed = true
		close(tr.quit)
		tr.mu.Unlock()
	})
	assert.Equal(t, StateConnecting, nextEvent(t, tr).State)

	vc.Lock()
	vc.Ready = true
	vc.Unlock()
	assert.Equal(t, StateReady, nextEvent(t, tr).State)

	vc.Lock()
	vc.Ready = false
	vc.Unlock()
	assert.Equal(t, StateDisconnected, nextEvent(t, tr).State)
}
