package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one guild's voice connection. Its state changes only in response to
// transport events, and it owns the transport handle until destroyed.
type Session struct {
	ID        string
	GuildID   string
	CreatedAt time.Time

	transport     Transport
	log           zerolog.Logger
	timeout       time.Duration
	maxRecoveries int

	mu         sync.RWMutex
	state      State
	channelID  string
	recoveries int

	destroyOnce sync.Once
	done        chan struct{}
	onDestroy   func(*Session)
}

func newSession(guildID, channelID string, t Transport, log zerolog.Logger, o options, onDestroy func(*Session)) *Session {
	id := uuid.NewString()
	return &Session{
		ID:            id,
		GuildID:       guildID,
		channelID:     channelID,
		CreatedAt:     time.Now(),
		transport:     t,
		timeout:       o.reconnectTimeout,
		maxRecoveries: o.maxRecoveries,
		state:         StateSignalling,
		done:          make(chan struct{}),
		onDestroy:     onDestroy,
		log: log.With().
			Str("guild_id", guildID).
			Str("channel_id", channelID).
			Str("session_id", id).
			Logger(),
	}
}

// State returns the last state reported by the transport.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ChannelID returns the voice channel the transport last reported.
func (s *Session) ChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

// Done is closed once the session is destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Destroyed reports whether Destroy has run.
func (s *Session) Destroyed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SendOpus forwards one opus frame to the transport.
func (s *Session) SendOpus(ctx context.Context, frame []byte) error {
	if s.Destroyed() {
		return ErrSessionDestroyed
	}
	return s.transport.SendOpus(ctx, frame)
}

// Speaking toggles the speaking indicator on the transport.
func (s *Session) Speaking(speaking bool) error {
	if s.Destroyed() {
		return ErrSessionDestroyed
	}
	return s.transport.Speaking(speaking)
}

// Destroy tears the session down. It cancels a pending reconnect wait, releases
// the transport and detaches the session from its manager. Only the first call
// has any effect.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		prev := s.setState(StateDestroyed)
		close(s.done)

		if err := s.transport.Destroy(); err != nil {
			s.log.Warn().Err(err).Msg("transport destroy failed")
		}
		s.log.Info().Stringer("from", prev).Msg("voice session destroyed")

		if s.onDestroy != nil {
			s.onDestroy(s)
		}
	})
}

func (s *Session) start() {
	go s.run()
}

// run processes transport events one at a time until the session ends.
func (s *Session) run() {
	events := s.transport.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				s.log.Warn().Msg("transport event stream closed")
				s.Destroy()
				return
			}
			if !s.handle(ev, events) {
				return
			}
		}
	}
}

// handle applies one event. It returns false once the session is finished.
func (s *Session) handle(ev Event, events <-chan Event) bool {
	if ev.Err != nil {
		s.log.Error().Err(ev.Err).Msg("voice transport error")
		return true
	}

	s.transition(ev)

	switch ev.State {
	case StateReady:
		s.resetRecoveries()
		s.log.Info().Msg("voice connection is ready")
	case StateDisconnected:
		return s.awaitRecovery(events)
	case StateDestroyed:
		s.Destroy()
		return false
	}
	return true
}

// awaitRecovery decides whether a disconnect is transient. The transport reports
// the same Disconnected state for a channel move and for a lost connection, so
// the only signal is whether it starts signalling or connecting again before the
// timeout. Events that arrive meanwhile are consumed here, in order.
func (s *Session) awaitRecovery(events <-chan Event) bool {
	s.mu.RLock()
	recoveries := s.recoveries
	s.mu.RUnlock()

	if s.maxRecoveries > 0 && recoveries >= s.maxRecoveries {
		s.log.Warn().Int("recoveries", recoveries).Msg("reconnect limit reached, treating disconnect as permanent")
		s.Destroy()
		return false
	}

	s.log.Info().Dur("timeout", s.timeout).Msg("voice connection disconnected, waiting for reconnect")

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return false

		case <-timer.C:
			s.log.Warn().Msg("no reconnect before timeout, disconnect is permanent")
			s.Destroy()
			return false

		case ev, ok := <-events:
			if !ok {
				s.log.Warn().Msg("transport event stream closed while disconnected")
				s.Destroy()
				return false
			}
			if ev.Err != nil {
				s.log.Error().Err(ev.Err).Msg("voice transport error")
				continue
			}

			s.transition(ev)

			switch {
			case ev.State == StateReady:
				// not a recovery signal on its own, but the connection did come back
				s.resetRecoveries()
			case ev.State.recovering():
				s.mu.Lock()
				s.recoveries++
				s.mu.Unlock()
				s.log.Info().Stringer("state", ev.State).Msg("transport is reconnecting, keeping session")
				return true
			case ev.State == StateDestroyed:
				s.Destroy()
				return false
			}
		}
	}
}

func (s *Session) resetRecoveries() {
	s.mu.Lock()
	s.recoveries = 0
	s.mu.Unlock()
}

func (s *Session) transition(ev Event) {
	to := ev.State
	if to == StateDestroyed {
		// Destroy records the final state.
		return
	}
	if ev.ChannelID != "" {
		s.moveTo(ev.ChannelID)
	}
	from := s.setState(to)
	if from == to {
		return
	}
	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("voice state changed")
}

func (s *Session) moveTo(channelID string) {
	s.mu.Lock()
	from := s.channelID
	s.channelID = channelID
	s.mu.Unlock()
	if from != channelID {
		s.log.Info().Str("from_channel", from).Str("to_channel", channelID).Msg("voice channel changed")
	}
}

// setState stores the new state and returns the previous one. Destroyed is final.
func (s *Session) setState(to State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	if from != StateDestroyed {
		s.state = to
	}
	return from
}
