package player

import (
	"sort"
	"sync"
)

// Registry hands out one Player per guild.
type Registry struct {
	opts    Options
	onNew   func(*Player)
	mu      sync.Mutex
	players map[string]*Player
}

// NewRegistry creates players with opts. onNew, if set, runs once for each
// new player before it is returned.
func NewRegistry(opts Options, onNew func(*Player)) *Registry {
	return &Registry{
		opts:    opts,
		onNew:   onNew,
		players: make(map[string]*Player),
	}
}

func (r *Registry) Get(guildID string) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.players[guildID]; ok {
		return p
	}
	p := New(guildID, r.opts)
	r.players[guildID] = p
	if r.onNew != nil {
		r.onNew(p)
	}
	return p
}

func (r *Registry) Lookup(guildID string) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[guildID]
	return p, ok
}

// StopAll stops every player and leaves its voice channel.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if p, ok := r.Lookup(id); ok {
			_ = p.Stop(true)
		}
	}
}
