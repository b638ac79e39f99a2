// Package voice manages one voice connection per guild and decides whether an
// involuntary disconnect is a transient reconnect or a lost connection.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultReconnectTimeout is how long a disconnected transport has to start
// signalling or connecting again before the session is destroyed.
const DefaultReconnectTimeout = 5000 * time.Millisecond

type options struct {
	reconnectTimeout time.Duration
	maxRecoveries    int
}

// Option configures a Manager.
type Option func(*options)

// WithReconnectTimeout overrides DefaultReconnectTimeout.
func WithReconnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reconnectTimeout = d
		}
	}
}

// WithMaxRecoveries caps how many disconnect/reconnect cycles a session may go
// through without reaching Ready again. Zero means no cap.
func WithMaxRecoveries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRecoveries = n
		}
	}
}

// Manager owns the voice sessions of all guilds.
type Manager struct {
	factory Factory
	log     zerolog.Logger
	opts    options

	mu       sync.Mutex
	sessions map[string]*Session
	guilds   map[string]*sync.Mutex
	joins    singleflight.Group
}

// NewManager returns a manager that creates transports with factory.
func NewManager(factory Factory, log zerolog.Logger, opts ...Option) *Manager {
	o := options{reconnectTimeout: DefaultReconnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		factory:  factory,
		log:      log,
		opts:     o,
		sessions: make(map[string]*Session),
		guilds:   make(map[string]*sync.Mutex),
	}
}

// Create returns a live session for the guild joined to channelID. An existing
// session in the same channel is reused; one in another channel is destroyed
// first. Concurrent calls for the same channel share one join; calls for
// different channels of a guild run one after another. If the transport
// cannot be constructed the failure is logged and a *ConnectionError returned.
func (m *Manager) Create(ctx context.Context, guildID, channelID string) (*Session, error) {
	v, err, _ := m.joins.Do(guildID+"/"+channelID, func() (any, error) {
		lock := m.guildLock(guildID)
		lock.Lock()
		defer lock.Unlock()
		return m.create(ctx, guildID, channelID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) guildLock(guildID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.guilds[guildID]
	if !ok {
		l = &sync.Mutex{}
		m.guilds[guildID] = l
	}
	return l
}

func (m *Manager) create(ctx context.Context, guildID, channelID string) (*Session, error) {
	if s, ok := m.Get(guildID); ok {
		current := s.ChannelID()
		if current == channelID {
			return s, nil
		}
		m.log.Info().
			Str("guild_id", guildID).
			Str("from_channel", current).
			Str("to_channel", channelID).
			Msg("switching voice channel")
		s.Destroy()
	}

	t, err := m.join(ctx, guildID, channelID)
	if err != nil {
		m.log.Error().
			Err(err).
			Str("guild_id", guildID).
			Str("channel_id", channelID).
			Msg("voice connection construction failed")
		return nil, &ConnectionError{GuildID: guildID, ChannelID: channelID, Err: err}
	}

	s := newSession(guildID, channelID, t, m.log, m.opts, m.remove)

	m.mu.Lock()
	m.sessions[guildID] = s
	m.mu.Unlock()

	s.start()
	s.log.Info().Msg("voice session created")
	return s, nil
}

// join calls the factory, turning a panic or a nil handle into an error.
func (m *Manager) join(ctx context.Context, guildID, channelID string) (t Transport, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("transport factory panicked: %v", r)
		}
	}()

	t, err = m.factory.Join(ctx, guildID, channelID)
	if err == nil && t == nil {
		err = errors.New("transport factory returned no handle")
	}
	return t, err
}

// Get returns the live session of a guild.
func (m *Manager) Get(guildID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return s, ok
}

// Destroy tears down the guild's session, reporting whether one existed.
func (m *Manager) Destroy(guildID string) bool {
	s, ok := m.Get(guildID)
	if !ok {
		return false
	}
	s.Destroy()
	return true
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Sessions lists live sessions ordered by guild ID.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, SessionInfo{
			ID:        s.ID,
			GuildID:   s.GuildID,
			ChannelID: s.ChannelID(),
			State:     s.State().String(),
			CreatedAt: s.CreatedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].GuildID < list[j].GuildID })
	return list
}

// Close destroys every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Destroy()
	}
}

// remove drops the manager's reference, unless the guild already has a newer session.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.GuildID]; ok && cur == s {
		delete(m.sessions, s.GuildID)
	}
}
