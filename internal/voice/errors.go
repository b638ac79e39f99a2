package voice

import (
	"errors"
	"fmt"
)

// ErrSessionDestroyed is returned by operations on a destroyed session or handle.
var ErrSessionDestroyed = errors.New("voice session destroyed")

// ConnectionError reports that a transport could not be constructed. The manager
// does not retry; callers may ask for a fresh session.
type ConnectionError struct {
	GuildID   string
	ChannelID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("voice connection to guild %s channel %s failed: %v", e.GuildID, e.ChannelID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
