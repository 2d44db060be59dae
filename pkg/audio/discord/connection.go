package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	streamChannelBuffer = 16
)

// participant is the receive state of one SSRC.
type participant struct {
	id       string
	ssrc     uint32
	dec      *opusDecoder
	frames   chan audio.Frame
	baseRTP  uint32
	nextTS   time.Duration
	lastSeen time.Time
	padded   int
}

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. It demuxes incoming Opus packets by SSRC,
// decodes them to PCM and announces one stream per participant. A stream
// ends when the participant leaves the channel or the connection is closed.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	maxPad  int

	mu           sync.Mutex
	participants map[uint32]*participant
	ssrcUser     map[uint32]string // filled from speaking updates

	streams   chan audio.Stream
	done      chan struct{}
	recvDone  chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	now func() time.Time
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, padding time.Duration) *Connection {
	c := newReceiver(vc, guildID, padding)
	c.session = session
	c.disconnectVC = vc.Disconnect
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)
	go c.recvLoop()
	return c
}

// newReceiver builds the connection state without registering handlers.
func newReceiver(vc *discordgo.VoiceConnection, guildID string, padding time.Duration) *Connection {
	return &Connection{
		vc:           vc,
		guildID:      guildID,
		maxPad:       int(padding / opusFrameDur),
		participants: make(map[uint32]*participant),
		ssrcUser:     make(map[uint32]string),
		streams:      make(chan audio.Stream, streamChannelBuffer),
		done:         make(chan struct{}),
		recvDone:     make(chan struct{}),
		now:          time.Now,
	}
}

// Streams implements [audio.Connection].
func (c *Connection) Streams() <-chan audio.Stream {
	return c.streams
}

// Disconnect cleanly tears down the voice connection and ends every open
// participant stream. It is safe to call more than once; subsequent calls
// return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.recvDone

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.mu.Lock()
		for ssrc, p := range c.participants {
			close(p.frames)
			delete(c.participants, ssrc)
		}
		c.mu.Unlock()
		close(c.streams)
	})
	return err
}

// recvLoop reads Opus packets from the voice connection until Disconnect.
// Between packets it pads quiet participants with silent frames.
func (c *Connection) recvLoop() {
	defer close(c.recvDone)

	ticker := time.NewTicker(opusFrameDur)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt != nil {
				c.handlePacket(pkt)
			}
		case <-ticker.C:
			c.padSilence()
		}
	}
}

// handlePacket decodes pkt and delivers it on the SSRC's stream, announcing
// the stream on first contact.
func (c *Connection) handlePacket(pkt *discordgo.Packet) {
	c.mu.Lock()
	p, exists := c.participants[pkt.SSRC]
	c.mu.Unlock()

	if !exists {
		dec, err := newOpusDecoder()
		if err != nil {
			slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
			return
		}
		p = &participant{
			id:      c.streamID(pkt.SSRC),
			ssrc:    pkt.SSRC,
			dec:     dec,
			frames:  make(chan audio.Frame, inputChannelBuffer),
			baseRTP: pkt.Timestamp,
		}
		stream := audio.Stream{ID: p.id, Format: opusFormat, Frames: p.frames}
		select {
		case c.streams <- stream:
		case <-c.done:
			return
		}
		c.mu.Lock()
		c.participants[pkt.SSRC] = p
		c.mu.Unlock()
		slog.Info("discord: participant stream started", "stream", p.id, "ssrc", pkt.SSRC)
	}

	pcm, err := p.dec.decode(pkt.Opus)
	if err != nil {
		slog.Warn("discord: opus decode error", "stream", p.id, "error", err)
		return
	}

	// RTP timestamps wrap; unsigned subtraction keeps the offset correct.
	ts := time.Duration(pkt.Timestamp-p.baseRTP) * time.Second / opusSampleRate
	frame := audio.Frame{
		Data:       pcm,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  ts,
		Duration:   audio.BytesDuration(len(pcm), opusSampleRate, opusChannels),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.participants[pkt.SSRC] != p {
		return // participant left meanwhile
	}
	p.lastSeen = c.now()
	p.padded = 0
	p.nextTS = ts + frame.Duration
	c.deliver(p, frame)
}

// padSilence emits one silent frame for every participant that missed its
// last packet, up to maxPad frames per gap.
func (c *Connection) padSilence() {
	if c.maxPad == 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.participants {
		if p.padded >= c.maxPad || now.Sub(p.lastSeen) < 2*opusFrameDur {
			continue
		}
		c.deliver(p, audio.Frame{
			Data:       make([]byte, opusFrameBytes),
			SampleRate: opusSampleRate,
			Channels:   opusChannels,
			Timestamp:  p.nextTS,
			Duration:   opusFrameDur,
		})
		p.padded++
		p.nextTS += opusFrameDur
	}
}

// deliver sends frame without blocking. c.mu must be held.
func (c *Connection) deliver(p *participant, frame audio.Frame) {
	select {
	case p.frames <- frame:
	default:
		slog.Debug("discord: input buffer full, dropping frame", "stream", p.id)
	}
}

// handleSpeakingUpdate records which user transmits on which SSRC.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
}

// handleVoiceStateUpdate ends the stream of a participant who left the
// voice channel this connection is on.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}
	channelID := c.vc.ChannelID
	if vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID || vsu.ChannelID == channelID {
		return
	}
	c.endUser(vsu.UserID)
}

// endUser closes every stream belonging to userID.
func (c *Connection) endUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ssrc, p := range c.participants {
		if c.ssrcUser[ssrc] != userID {
			continue
		}
		close(p.frames)
		delete(c.participants, ssrc)
		slog.Info("discord: participant stream ended", "stream", p.id, "user", userID)
	}
}

// streamID names the stream for ssrc after its user when known.
func (c *Connection) streamID(ssrc uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if user, ok := c.ssrcUser[ssrc]; ok && user != "" {
		return "user-" + user
	}
	return "ssrc-" + strconv.FormatUint(uint64(ssrc), 10)
}
