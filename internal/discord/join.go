package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/glizzus/voicecore/internal/voice"
)

var ErrNotReady = errors.New("discord session is not ready")

// MaxAttendedChannel returns the voice channel with the most users in it,
// counted from the guild's voice states. Channels that are not voice
// channels are ignored. This returns nil if there are no voice channels.
func MaxAttendedChannel(channels []*discordgo.Channel, states []*discordgo.VoiceState) *discordgo.Channel {
	attendance := make(map[string]int, len(channels))
	for _, vs := range states {
		if vs.ChannelID != "" {
			attendance[vs.ChannelID]++
		}
	}

	var maxAttendedChannel *discordgo.Channel
	maxAttended := -1

	for _, channel := range channels {
		if channel.Type != discordgo.ChannelTypeGuildVoice {
			continue
		}

		if attendance[channel.ID] > maxAttended {
			maxAttendedChannel = channel
			maxAttended = attendance[channel.ID]
		}
	}

	return maxAttendedChannel
}

// descriptorCollector assembles a voice.Descriptor from the two gateway
// events that answer a voice state update. They may arrive in either
// order, and events for other users or guilds are ignored.
type descriptorCollector struct {
	mu         sync.Mutex
	desc       voice.Descriptor
	haveState  bool
	haveServer bool

	done chan voice.Descriptor
	once sync.Once
}

func newDescriptorCollector(guildID, channelID, userID string) *descriptorCollector {
	return &descriptorCollector{
		desc: voice.Descriptor{
			GuildID:   guildID,
			ChannelID: channelID,
			UserID:    userID,
		},
		done: make(chan voice.Descriptor, 1),
	}
}

func (c *descriptorCollector) onVoiceState(u *discordgo.VoiceStateUpdate) {
	if u == nil || u.VoiceState == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if u.GuildID != c.desc.GuildID || u.UserID != c.desc.UserID || u.ChannelID != c.desc.ChannelID {
		return
	}
	c.desc.SessionID = u.SessionID
	c.haveState = true
	c.finish()
}

func (c *descriptorCollector) onVoiceServer(u *discordgo.VoiceServerUpdate) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// An empty endpoint means the server is still being allocated and
	// another update follows.
	if u.GuildID != c.desc.GuildID || u.Endpoint == "" {
		return
	}
	c.desc.Token = u.Token
	c.desc.Endpoint = u.Endpoint
	c.haveServer = true
	c.finish()
}

func (c *descriptorCollector) finish() {
	if !c.haveState || !c.haveServer {
		return
	}
	c.once.Do(func() {
		c.done <- c.desc
	})
}

// JoinVoice asks the main gateway to move the bot into channelID and
// waits for the voice server assignment. The voice connection itself is
// left to voice.Session.
func JoinVoice(ctx context.Context, s *discordgo.Session, guildID, channelID string) (voice.Descriptor, error) {
	if s.State == nil || s.State.User == nil {
		return voice.Descriptor{}, ErrNotReady
	}

	c := newDescriptorCollector(guildID, channelID, s.State.User.ID)
	removeState := s.AddHandler(func(_ *discordgo.Session, u *discordgo.VoiceStateUpdate) {
		c.onVoiceState(u)
	})
	defer removeState()
	removeServer := s.AddHandler(func(_ *discordgo.Session, u *discordgo.VoiceServerUpdate) {
		c.onVoiceServer(u)
	})
	defer removeServer()

	if err := s.ChannelVoiceJoinManual(guildID, channelID, false, false); err != nil {
		return voice.Descriptor{}, fmt.Errorf("unable to join the voice channel: %w", err)
	}

	select {
	case desc := <-c.done:
		return desc, nil
	case <-ctx.Done():
		return voice.Descriptor{}, fmt.Errorf("waiting for voice server: %w", ctx.Err())
	}
}

// LeaveVoice tells the main gateway the bot left voice in guildID.
func LeaveVoice(s *discordgo.Session, guildID string) error {
	return s.ChannelVoiceJoinManual(guildID, "", false, false)
}

// BusiestChannel looks up the guild in the state cache and returns its
// most attended voice channel.
func BusiestChannel(s *discordgo.Session, guildID string) (*discordgo.Channel, error) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s not in state: %w", guildID, err)
	}
	channel := MaxAttendedChannel(guild.Channels, guild.VoiceStates)
	if channel == nil {
		return nil, fmt.Errorf("guild %s has no voice channels", guildID)
	}
	return channel, nil
}
