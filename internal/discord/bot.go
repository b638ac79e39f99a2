// Package discord wires the gateway session to the text commands, the
// per-guild players and the voice session manager.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/groovebox/internal/config"
	"github.com/keshon/groovebox/internal/music/media"
	"github.com/keshon/groovebox/internal/music/player"
	"github.com/keshon/groovebox/internal/music/search"
	"github.com/keshon/groovebox/internal/storage"
	"github.com/keshon/groovebox/internal/voice"
	"github.com/keshon/groovebox/pkg/cmd"
	"github.com/keshon/groovebox/pkg/retrylimit"
	"github.com/rs/zerolog"
)

const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentMessageContent |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessageReactions

const commandTimeout = 45 * time.Second

// InfoSource looks up video metadata. *media.Client satisfies it.
type InfoSource interface {
	VideoInfo(ctx context.Context, rawURL string) (*media.Info, error)
}

// MessageContext describes the chat message a command was typed in.
type MessageContext struct {
	GuildID   string
	ChannelID string
	UserID    string
	Username  string
}

type Bot struct {
	dg      *discordgo.Session
	cfg     *config.Config
	botInfo *config.BotInfoWatcher
	store   *storage.Storage
	voice   *voice.Manager
	search  search.Provider
	media   InfoSource
	sender  EmbedSender
	players *player.Registry
	cmds    *cmd.Registry
	log     zerolog.Logger

	// voiceChannel finds the voice channel a member is in.
	voiceChannel func(guildID, userID string) (string, error)

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	announce map[string]string
}

// New creates the gateway session and everything that hangs off it. The
// session is opened by Run.
func New(cfg *config.Config, store *storage.Storage, botInfo *config.BotInfoWatcher, log zerolog.Logger) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = Intents

	factory := voice.NewDiscordFactory(dg, log)
	manager := voice.NewManager(factory, log,
		voice.WithReconnectTimeout(cfg.ReconnectTimeout),
		voice.WithMaxRecoveries(cfg.MaxRecoveries),
	)

	mediaClient := media.NewClient(cfg.YouTubeProxy, log.With().Str("component", "media").Logger())
	limiter := retrylimit.NewLimiter(cfg.SearchRate, cfg.SearchRate/8, cfg.SearchRate*2)
	yt := search.NewYouTube(nil, limiter, log.With().Str("component", "search").Logger())

	b := newBot(cfg, log, services{
		store:   store,
		botInfo: botInfo,
		search:  yt,
		media:   mediaClient,
		sender:  NewMessenger(dg, log),
		player: player.Options{
			Voice:   player.FromManager(manager),
			Source:  player.MediaSource{Client: mediaClient},
			History: store,
			Logger:  log,
		},
	})
	b.dg = dg
	b.voice = manager
	b.voiceChannel = b.findUserVoiceChannel

	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onGuildCreate)
	dg.AddHandler(b.onMessageCreate)
	return b, nil
}

type services struct {
	store   *storage.Storage
	botInfo *config.BotInfoWatcher
	search  search.Provider
	media   InfoSource
	sender  EmbedSender
	player  player.Options
}

func newBot(cfg *config.Config, log zerolog.Logger, s services) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		cfg:       cfg,
		botInfo:   s.botInfo,
		store:     s.store,
		search:    s.search,
		media:     s.media,
		sender:    s.sender,
		cmds:      cmd.NewRegistry(),
		log:       log.With().Str("component", "bot").Logger(),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		announce:  make(map[string]string),
	}
	b.players = player.NewRegistry(s.player, b.watchPlayer)
	b.registerCommands()
	return b
}

// Voice exposes the session manager for the status server.
func (b *Bot) Voice() *voice.Manager { return b.voice }

// Run connects to the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}

	if b.botInfo != nil {
		b.botInfo.OnChange(func(info *config.BotInfo) {
			b.updateStatus(info)
		})
	}

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received, cleaning up")
	b.Close()
	return nil
}

// Close stops playback everywhere and leaves every voice channel.
func (b *Bot) Close() {
	b.cancel()
	b.players.StopAll()
	if b.voice != nil {
		b.voice.Close()
	}
	if b.dg != nil {
		if err := b.dg.Close(); err != nil {
			b.log.Warn().Err(err).Msg("failed to close gateway session")
		}
	}
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().
		Str("user", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Msg("discord bot is running")
	b.updateStatus(b.info())
}

func (b *Bot) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	b.log.Debug().Str("guild_id", g.ID).Str("guild", g.Name).Msg("guild available")
}

func (b *Bot) updateStatus(info *config.BotInfo) {
	if b.dg == nil {
		return
	}
	status := info.String(config.KeyStatus, b.defaultPrefix()+"help")
	if err := b.dg.UpdateGameStatus(0, status); err != nil {
		b.log.Warn().Err(err).Msg("failed to update presence")
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	b.handleMessage(ctx, &MessageContext{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Username:  m.Author.Username,
	}, m.Content)
}

// handleMessage dispatches one chat message. Failures are reported back to
// the channel and never escape.
func (b *Bot) handleMessage(ctx context.Context, mc *MessageContext, content string) {
	inv, ok := cmd.Parse(content, b.prefix(mc.GuildID))
	if !ok {
		return
	}
	c := b.cmds.Get(inv.Name)
	if c == nil {
		b.log.Debug().Str("command", inv.Name).Msg("unknown command")
		return
	}
	inv.Data = mc

	if mc.GuildID != "" {
		b.setAnnounceChannel(mc.GuildID, mc.ChannelID)
	}

	if err := c.Run(ctx, inv); err != nil {
		b.log.Error().Err(err).
			Str("command", c.Name()).
			Str("guild_id", mc.GuildID).
			Msg("command failed")
		b.reply(ctx, mc, Embed{Description: "❌ " + err.Error()})
	}
}

func (b *Bot) info() *config.BotInfo {
	if b.botInfo == nil {
		return config.NewBotInfo(nil)
	}
	return b.botInfo.Current()
}

func (b *Bot) color() int {
	return b.info().Int(config.KeyEmbedColor, DefaultEmbedColor)
}

func (b *Bot) defaultPrefix() string {
	return b.info().String(config.KeyPrefix, b.cfg.DefaultPrefix)
}

func (b *Bot) prefix(guildID string) string {
	if guildID == "" || b.store == nil {
		return b.defaultPrefix()
	}
	return b.store.GetPrefix(guildID, b.defaultPrefix())
}

func (b *Bot) reply(ctx context.Context, mc *MessageContext, e Embed) {
	b.send(ctx, mc.ChannelID, e)
}

func (b *Bot) send(ctx context.Context, channelID string, e Embed) {
	if e.Color == 0 {
		e.Color = b.color()
	}
	if err := b.sender.SendEmbed(ctx, channelID, e); err != nil {
		b.log.Warn().Err(err).Str("channel_id", channelID).Msg("failed to reply")
	}
}

func (b *Bot) setAnnounceChannel(guildID, channelID string) {
	b.mu.Lock()
	b.announce[guildID] = channelID
	b.mu.Unlock()
}

func (b *Bot) announceChannel(guildID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.announce[guildID]
}

// watchPlayer posts player events to the guild's last command channel.
func (b *Bot) watchPlayer(p *player.Player) {
	go func() {
		for {
			select {
			case <-b.ctx.Done():
				return
			case ev := <-p.Status():
				if b.ctx.Err() != nil {
					return
				}
				channelID := b.announceChannel(p.GuildID())
				if channelID == "" {
					continue
				}
				b.send(b.ctx, channelID, statusEmbed(ev))
			}
		}
	}()
}

func statusEmbed(ev player.Event) Embed {
	emoji := ev.Status.StringEmoji()
	switch ev.Status {
	case player.StatusPlaying:
		e := trackEmbed(emoji+" Now playing", ev.Track)
		if ev.Track.RequestedBy != "" {
			e.Footer = "Requested by " + ev.Track.RequestedBy
		}
		return e
	case player.StatusAdded:
		e := trackEmbed(emoji+" Added to queue", ev.Track)
		e.Thumbnail = ""
		return e
	case player.StatusError:
		if ev.Track != nil {
			return Embed{Description: fmt.Sprintf("%s Could not play **%s**: %v", emoji, ev.Track.Title, ev.Err)}
		}
		return Embed{Description: fmt.Sprintf("%s %v", emoji, ev.Err)}
	default:
		return Embed{Description: emoji + " " + string(ev.Status)}
	}
}

func trackEmbed(title string, t *player.Track) Embed {
	return Embed{
		Title:       title,
		Description: trackLine(*t),
		Thumbnail:   t.Thumbnail,
	}
}

func trackLine(t player.Track) string {
	line := fmt.Sprintf("[%s](%s)", t.Title, t.URL)
	if t.Channel != "" {
		line += "\n" + t.Channel
	}
	if t.Duration != "" {
		line += " • " + t.Duration
	}
	return line
}

func (b *Bot) findUserVoiceChannel(guildID, userID string) (string, error) {
	guild, err := b.dg.State.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("error retrieving guild: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, nil
		}
	}
	return "", errNotInVoice
}
