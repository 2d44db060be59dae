// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with vadscribe's PCM [audio.Frame]
// pipeline.
//
// The platform requires an active *discordgo.Session and a guild ID. Each
// call to [Platform.Connect] joins the specified voice channel muted and
// returns a [Connection] that announces one [audio.Stream] per speaking
// participant.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

const defaultSilencePadding = time.Second

// Option configures a [Platform].
type Option func(*Platform)

// WithSilencePadding sets how much synthetic silence is inserted after a
// participant stops transmitting. Discord sends no packets during silence,
// so without padding the energy detector never observes the quiet frames
// that end a segment. Defaults to one second; zero disables padding.
func WithSilencePadding(d time.Duration) Option {
	return func(p *Platform) {
		if d >= 0 {
			p.silencePadding = d
		}
	}
}

// Platform implements [audio.Platform] using a discordgo voice connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	session        *discordgo.Session
	guildID        string
	silencePadding time.Duration
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := &Platform{
		session:        session,
		guildID:        guildID,
		silencePadding: defaultSilencePadding,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OpenSession creates and opens a bot session with the intents needed to
// receive voice.
func OpenSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return session, nil
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect] is called.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	// mute=true (receive only), deaf=false (we need the audio).
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, p.guildID, p.silencePadding), nil
}
