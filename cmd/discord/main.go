// cmd/discord/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/keshon/groovebox/internal/config"
	"github.com/keshon/groovebox/internal/discord"
	"github.com/keshon/groovebox/internal/logging"
	"github.com/keshon/groovebox/internal/status"
	"github.com/keshon/groovebox/internal/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	loadedEnv := config.LoadDotEnv()

	cfg, err := config.New()
	if err != nil {
		logging.New(logging.Options{Console: true}).Error().Err(err).Msg("invalid configuration")
		return 1
	}

	log := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: !cfg.LogJSON,
	})
	log.Info().Bool("dotenv", loadedEnv).Msg("starting groovebox")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.StoragePath, logging.Component(log, "storage"))
	if err != nil {
		log.Error().Err(err).Str("path", cfg.StoragePath).Msg("failed to open storage")
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close storage")
		}
	}()

	botInfo, err := config.NewBotInfoWatcher(cfg.BotConfigPath, logging.Component(log, "botinfo"))
	if err != nil {
		log.Error().Err(err).Str("path", cfg.BotConfigPath).Msg("failed to load bot config")
		return 1
	}

	bot, err := discord.New(cfg, store, botInfo, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to create bot")
		return 1
	}

	statusServer := status.New(cfg.StatusAddr, bot.Voice(), store, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return botInfo.Run(gctx) })
	g.Go(func() error { return statusServer.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("bot stopped with error")
		return 1
	}
	log.Info().Msg("bot exited cleanly")
	return 0
}
