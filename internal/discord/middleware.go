package discord

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/keshon/groovebox/internal/storage"
	"github.com/keshon/groovebox/pkg/cmd"
	"github.com/rs/zerolog"
)

var errGuildOnly = errors.New("this command only works in a server")

func messageContext(inv *cmd.Invocation) *MessageContext {
	if mc, ok := inv.Data.(*MessageContext); ok {
		return mc
	}
	return &MessageContext{}
}

// withRecover turns a panicking command into an error.
func withRecover(log zerolog.Logger) cmd.Middleware {
	return func(next cmd.Command) cmd.Command {
		return cmd.Wrap(next, func(ctx context.Context, inv *cmd.Invocation) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("command", next.Name()).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("command panicked")
					err = fmt.Errorf("command %s crashed", next.Name())
				}
			}()
			return next.Run(ctx, inv)
		})
	}
}

func withGuildOnly() cmd.Middleware {
	return func(next cmd.Command) cmd.Command {
		return cmd.Wrap(next, func(ctx context.Context, inv *cmd.Invocation) error {
			if messageContext(inv).GuildID == "" {
				return errGuildOnly
			}
			return next.Run(ctx, inv)
		})
	}
}

// withCommandLogger records every invocation in the guild's command history.
func withCommandLogger(store *storage.Storage, log zerolog.Logger) cmd.Middleware {
	return func(next cmd.Command) cmd.Command {
		return cmd.Wrap(next, func(ctx context.Context, inv *cmd.Invocation) error {
			mc := messageContext(inv)
			if store != nil && mc.GuildID != "" {
				err := store.AppendCommandToHistory(mc.GuildID, storage.CommandHistoryRecord{
					ChannelID: mc.ChannelID,
					UserID:    mc.UserID,
					Username:  mc.Username,
					Command:   next.Name(),
					Param:     inv.Rest(),
					Datetime:  time.Now(),
				})
				if err != nil {
					log.Warn().Err(err).Str("command", next.Name()).Msg("failed to log command")
				}
			}
			log.Info().
				Str("command", next.Name()).
				Str("guild_id", mc.GuildID).
				Str("user", mc.Username).
				Msg("command invoked")
			return next.Run(ctx, inv)
		})
	}
}
