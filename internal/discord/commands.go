package discord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/keshon/groovebox/internal/config"
	"github.com/keshon/groovebox/internal/music/media"
	"github.com/keshon/groovebox/internal/music/player"
	"github.com/keshon/groovebox/internal/music/search"
	"github.com/keshon/groovebox/pkg/cmd"
)

const (
	categoryInfo     = "🕯️ Information"
	categoryPlayback = "🎵 Playback"
	categorySearch   = "🔎 Search"
	categorySettings = "⚙️ Settings"

	queuePreview  = 10
	searchResults = 5
	maxPrefixLen  = 5
)

var errNotInVoice = errors.New("user not in any voice channel")

// command is a text command bound to a Bot method.
type command struct {
	name        string
	aliases     []string
	description string
	usage       string
	category    string
	guildOnly   bool
	run         func(ctx context.Context, mc *MessageContext, inv *cmd.Invocation) error
}

func (c *command) Name() string        { return c.name }
func (c *command) Description() string { return c.description }
func (c *command) Aliases() []string   { return c.aliases }
func (c *command) Category() string    { return c.category }
func (c *command) Usage() string       { return c.usage }

func (c *command) Run(ctx context.Context, inv *cmd.Invocation) error {
	return c.run(ctx, messageContext(inv), inv)
}

func (b *Bot) registerCommands() {
	all := []*command{
		{name: "play", aliases: []string{"p"}, usage: "<query|url>", category: categoryPlayback, guildOnly: true,
			description: "Play a YouTube video or the first search hit", run: b.cmdPlay},
		{name: "skip", aliases: []string{"next"}, category: categoryPlayback, guildOnly: true,
			description: "Skip to the next track", run: b.cmdSkip},
		{name: "stop", category: categoryPlayback, guildOnly: true,
			description: "Stop playback, clear the queue and leave", run: b.cmdStop},
		{name: "queue", aliases: []string{"q"}, category: categoryPlayback, guildOnly: true,
			description: "Show queued tracks", run: b.cmdQueue},
		{name: "now", aliases: []string{"n"}, category: categoryPlayback, guildOnly: true,
			description: "Show the current track", run: b.cmdNow},
		{name: "search", usage: "<query>", category: categorySearch,
			description: "List the top YouTube results", run: b.cmdSearch},
		{name: "history", category: categoryInfo, guildOnly: true,
			description: "Show recently played tracks", run: b.cmdHistory},
		{name: "ping", category: categoryInfo,
			description: "Check that the bot is alive", run: b.cmdPing},
		{name: "prefix", usage: "[new prefix]", category: categorySettings, guildOnly: true,
			description: "Show or change the command prefix", run: b.cmdPrefix},
		{name: "help", aliases: []string{"h"}, category: categoryInfo,
			description: "List commands", run: b.cmdHelp},
	}

	for _, c := range all {
		mws := []cmd.Middleware{withRecover(b.log)}
		if c.guildOnly {
			mws = append(mws, withGuildOnly())
		}
		mws = append(mws, withCommandLogger(b.store, b.log))
		b.cmds.MustRegister(cmd.Apply(c, mws...))
	}
}

func (b *Bot) cmdPlay(ctx context.Context, mc *MessageContext, inv *cmd.Invocation) error {
	query := inv.Rest()
	if query == "" {
		b.reply(ctx, mc, Embed{Description: fmt.Sprintf("Usage: `%splay <query|url>`", b.prefix(mc.GuildID))})
		return nil
	}

	channelID, err := b.voiceChannel(mc.GuildID, mc.UserID)
	if err != nil {
		if errors.Is(err, errNotInVoice) {
			b.reply(ctx, mc, Embed{Description: "🔇 Join a voice channel first"})
			return nil
		}
		return err
	}

	info, err := b.resolve(ctx, query)
	if err != nil {
		return err
	}
	if info == nil {
		b.reply(ctx, mc, Embed{Description: fmt.Sprintf("🔎 Nothing found for **%s**", query)})
		return nil
	}

	p := b.players.Get(mc.GuildID)
	if _, err := p.Play(ctx, channelID, player.TrackFromInfo(info, mc.Username)); err != nil {
		return fmt.Errorf("could not start playback: %w", err)
	}
	return nil
}

// resolve turns a URL or free text into video info. No hit is (nil, nil).
func (b *Bot) resolve(ctx context.Context, query string) (*media.Info, error) {
	target := query
	if search.IsURL(query) {
		if !search.IsYouTubeURL(query) || !search.IsVideoURL(query) {
			return nil, fmt.Errorf("only YouTube video links are supported")
		}
		target = search.CleanVideoURL(query)
	} else {
		results, err := b.search.Search(ctx, query, search.Options{Limit: 1, Type: search.TypeVideo})
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, nil
		}
		target = results[0].URL
	}
	return b.media.VideoInfo(ctx, target)
}

func (b *Bot) cmdSkip(ctx context.Context, mc *MessageContext, _ *cmd.Invocation) error {
	p, ok := b.players.Lookup(mc.GuildID)
	if !ok {
		b.reply(ctx, mc, Embed{Description: "Nothing is playing"})
		return nil
	}
	switch err := p.Skip(ctx); {
	case errors.Is(err, player.ErrNoTrackPlaying):
		b.reply(ctx, mc, Embed{Description: "Nothing is playing"})
	case errors.Is(err, player.ErrNoTracksInQueue):
		// the player announces the stop
	case err != nil:
		return err
	}
	return nil
}

func (b *Bot) cmdStop(ctx context.Context, mc *MessageContext, _ *cmd.Invocation) error {
	p, ok := b.players.Lookup(mc.GuildID)
	if !ok {
		if b.voice != nil && b.voice.Destroy(mc.GuildID) {
			b.reply(ctx, mc, Embed{Description: "⏹ Left the voice channel"})
			return nil
		}
		b.reply(ctx, mc, Embed{Description: "Nothing is playing"})
		return nil
	}
	return p.Stop(true)
}

func (b *Bot) cmdQueue(ctx context.Context, mc *MessageContext, _ *cmd.Invocation) error {
	var queue []player.Track
	if p, ok := b.players.Lookup(mc.GuildID); ok {
		queue = p.Queue()
	}
	if len(queue) == 0 {
		b.reply(ctx, mc, Embed{Description: "The queue is empty"})
		return nil
	}

	var sb strings.Builder
	for i, t := range queue {
		if i == queuePreview {
			fmt.Fprintf(&sb, "…and %d more", len(queue)-queuePreview)
			break
		}
		fmt.Fprintf(&sb, "%d. [%s](%s)", i+1, t.Title, t.URL)
		if t.Duration != "" {
			fmt.Fprintf(&sb, " `%s`", t.Duration)
		}
		sb.WriteString("\n")
	}
	b.reply(ctx, mc, Embed{Title: fmt.Sprintf("🎶 Queue (%d)", len(queue)), Description: strings.TrimSpace(sb.String())})
	return nil
}

func (b *Bot) cmdNow(ctx context.Context, mc *MessageContext, _ *cmd.Invocation) error {
	p, ok := b.players.Lookup(mc.GuildID)
	if !ok {
		b.reply(ctx, mc, Embed{Description: "Nothing is playing"})
		return nil
	}
	t, err := p.Current()
	if err != nil {
		b.reply(ctx, mc, Embed{Description: "Nothing is playing"})
		return nil
	}
	b.reply(ctx, mc, trackEmbed(player.StatusPlaying.StringEmoji()+" Now playing", t))
	return nil
}

func (b *Bot) cmdSearch(ctx context.Context, mc *MessageContext, inv *cmd.Invocation) error {
	query := inv.Rest()
	if query == "" {
		b.reply(ctx, mc, Embed{Description: fmt.Sprintf("Usage: `%ssearch <query>`", b.prefix(mc.GuildID))})
		return nil
	}

	results, err := b.search.Search(ctx, query, search.Options{Limit: searchResults})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		b.reply(ctx, mc, Embed{Description: fmt.Sprintf("🔎 Nothing found for **%s**", query)})
		return nil
	}

	lines := make([]string, 0, len(results))
	for i, r := range results {
		line := fmt.Sprintf("%d. [%s](%s) · %s", i+1, r.Title, r.URL, r.Author)
		if r.Live {
			line += " `LIVE`"
		} else if r.Duration != "" {
			line += fmt.Sprintf(" `%s`", r.Duration)
		}
		lines = append(lines, line)
	}
	b.reply(ctx, mc, Embed{
		Title:       "🔎 " + query,
		Description: strings.Join(lines, "\n"),
		Thumbnail:   results[0].Thumbnail,
	})
	return nil
}

func (b *Bot) cmdHistory(ctx context.Context, mc *MessageContext, _ *cmd.Invocation) error {
	tracks, err := b.store.FetchTrackHistory(mc.GuildID)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		b.reply(ctx, mc, Embed{Description: "Nothing has been played yet"})
		return nil
	}

	var sb strings.Builder
	for i := len(tracks) - 1; i >= 0; i-- {
		t := tracks[i]
		fmt.Fprintf(&sb, "[%s](%s)", t.Title, t.URL)
		if t.PlayedBy != "" {
			fmt.Fprintf(&sb, " by %s", t.PlayedBy)
		}
		if !t.PlayedAt.IsZero() {
			fmt.Fprintf(&sb, " <t:%d:R>", t.PlayedAt.Unix())
		}
		sb.WriteString("\n")
	}
	b.reply(ctx, mc, Embed{Title: "📜 Recently played", Description: strings.TrimSpace(sb.String())})
	return nil
}

func (b *Bot) cmdPing(ctx context.Context, mc *MessageContext, _ *cmd.Invocation) error {
	desc := fmt.Sprintf("🏓 Pong! Up for %s", time.Since(b.startedAt).Round(time.Second))
	if b.dg != nil {
		desc += fmt.Sprintf(", heartbeat %s", b.dg.HeartbeatLatency().Round(time.Millisecond))
	}
	b.reply(ctx, mc, Embed{Description: desc})
	return nil
}

func (b *Bot) cmdPrefix(ctx context.Context, mc *MessageContext, inv *cmd.Invocation) error {
	if len(inv.Args) == 0 {
		b.reply(ctx, mc, Embed{Description: fmt.Sprintf("Current prefix is `%s`", b.prefix(mc.GuildID))})
		return nil
	}

	next := inv.Args[0]
	if len(next) > maxPrefixLen {
		b.reply(ctx, mc, Embed{Description: fmt.Sprintf("Prefix can be at most %d characters", maxPrefixLen)})
		return nil
	}
	if err := b.store.SetPrefix(mc.GuildID, next); err != nil {
		return err
	}
	b.reply(ctx, mc, Embed{Description: fmt.Sprintf("⚙️ Prefix set to `%s`", next)})
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, mc *MessageContext, _ *cmd.Invocation) error {
	prefix := b.prefix(mc.GuildID)

	groups := map[string][]string{}
	for _, c := range b.cmds.GetAll() {
		root := cmd.Root(c)
		category := categoryInfo
		if cat, ok := root.(cmd.Categorized); ok {
			category = cat.Category()
		}

		line := "`" + prefix + c.Name()
		if u, ok := root.(cmd.Usage); ok && u.Usage() != "" {
			line += " " + u.Usage()
		}
		line += "`"
		if a, ok := root.(cmd.Aliased); ok && len(a.Aliases()) > 0 {
			line += " (" + prefix + strings.Join(a.Aliases(), ", "+prefix) + ")"
		}
		line += " " + c.Description()
		groups[category] = append(groups[category], line)
	}

	categories := make([]string, 0, len(groups))
	for cat := range groups {
		categories = append(categories, cat)
	}
	sort.Slice(categories, func(i, j int) bool {
		return config.CategoryWeights[categories[i]] < config.CategoryWeights[categories[j]]
	})

	var sb strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&sb, "**%s**\n%s\n\n", cat, strings.Join(groups[cat], "\n"))
	}

	b.reply(ctx, mc, Embed{
		Title:       b.info().String(config.KeyName, "groovebox"),
		Description: strings.TrimSpace(sb.String()),
	})
	return nil
}
