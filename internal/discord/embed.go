package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const DefaultEmbedColor = 0xb01e66

// Embed is a single-embed message. Title and Thumbnail are optional.
type Embed struct {
	Title       string
	Description string
	Color       int
	Thumbnail   string
	URL         string
	Footer      string
}

func (e Embed) MessageEmbed() *discordgo.MessageEmbed {
	me := &discordgo.MessageEmbed{
		Description: e.Description,
		Color:       e.Color,
		Title:       e.Title,
		URL:         e.URL,
	}
	if e.Thumbnail != "" {
		me.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.Thumbnail}
	}
	if e.Footer != "" {
		me.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	return me
}

// EmbedSender posts embeds to text channels.
type EmbedSender interface {
	SendEmbed(ctx context.Context, channelID string, e Embed) error
}

// channelAPI is the part of *discordgo.Session the messenger needs.
type channelAPI interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Messenger sends embeds with a per-channel rate limit, on top of the
// limits discordgo already honours.
type Messenger struct {
	api   channelAPI
	log   zerolog.Logger
	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMessenger(api channelAPI, log zerolog.Logger) *Messenger {
	return &Messenger{
		api:      api,
		log:      log.With().Str("component", "messenger").Logger(),
		every:    time.Second,
		burst:    5,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *Messenger) limiter(channelID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.every), m.burst)
		m.limiters[channelID] = l
	}
	return l
}

func (m *Messenger) SendEmbed(ctx context.Context, channelID string, e Embed) error {
	if channelID == "" {
		return fmt.Errorf("send embed: no channel")
	}
	if err := m.limiter(channelID).Wait(ctx); err != nil {
		return fmt.Errorf("send embed: %w", err)
	}
	if _, err := m.api.ChannelMessageSendEmbed(channelID, e.MessageEmbed()); err != nil {
		m.log.Error().Err(err).Str("channel_id", channelID).Msg("failed to send embed")
		return fmt.Errorf("send embed to %s: %w", channelID, err)
	}
	return nil
}
