package voice

import (
	"context"
	"fmt"
)

// State is the lifecycle state of a voice transport as reported by the transport.
type State int

const (
	StateSignalling State = iota
	StateConnecting
	StateReady
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSignalling:
		return "signalling"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// recovering reports whether a transport in this state is re-establishing itself.
func (s State) recovering() bool {
	return s == StateSignalling || s == StateConnecting
}

// Event is one notification emitted by a transport. A non-nil Err marks an error
// event; State is ignored in that case. ChannelID is set when the transport
// was moved to another channel.
type Event struct {
	State     State
	ChannelID string
	Err       error
}

// Transport is a live voice connection handle. A handle belongs to exactly one
// Session; nothing else may call its methods.
type Transport interface {
	// Events delivers state changes in emission order. The transport closes the
	// channel once it will emit nothing more.
	Events() <-chan Event
	// SendOpus queues one encoded opus frame for playback.
	SendOpus(ctx context.Context, frame []byte) error
	Speaking(speaking bool) error
	// Destroy releases the connection. Calls after the first return nil.
	Destroy() error
}

// Factory creates transports for a guild's voice channel.
type Factory interface {
	Join(ctx context.Context, guildID, channelID string) (Transport, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, guildID, channelID string) (Transport, error)

func (f FactoryFunc) Join(ctx context.Context, guildID, channelID string) (Transport, error) {
	return f(ctx, guildID, channelID)
}
