package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"

	"github.com/glizzus/voicecore/internal/verify"
	"github.com/glizzus/voicecore/internal/voice"
)

func TestMaxAttendedChannel(t *testing.T) {
	general := &discordgo.Channel{ID: "1", Type: discordgo.ChannelTypeGuildVoice}
	music := &discordgo.Channel{ID: "2", Type: discordgo.ChannelTypeGuildVoice}
	text := &discordgo.Channel{ID: "3", Type: discordgo.ChannelTypeGuildText}

	tc := []struct {
		name     string
		channels []*discordgo.Channel
		states   []*discordgo.VoiceState
		expected *discordgo.Channel
	}{
		{
			name:     "No channels should return nil",
			expected: nil,
		},
		{
			name:     "Only text channels should return nil",
			channels: []*discordgo.Channel{text},
			states:   []*discordgo.VoiceState{{ChannelID: "3"}},
			expected: nil,
		},
		{
			name:     "Empty voice channels should return the first one",
			channels: []*discordgo.Channel{general, music},
			expected: general,
		},
		{
			name:     "The channel with the most voice states wins",
			channels: []*discordgo.Channel{general, music, text},
			states: []*discordgo.VoiceState{
				{UserID: "a", ChannelID: "1"},
				{UserID: "b", ChannelID: "2"},
				{UserID: "c", ChannelID: "2"},
				{UserID: "d", ChannelID: ""},
			},
			expected: music,
		},
	}

	for _, testCase := range tc {
		t.Run(testCase.name, func(t *testing.T) {
			got := MaxAttendedChannel(testCase.channels, testCase.states)
			if got != testCase.expected {
				t.Errorf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

func stateUpdate(guildID, channelID, userID, sessionID string) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		SessionID: sessionID,
	}}
}

func TestDescriptorCollector(t *testing.T) {
	want := voice.Descriptor{
		GuildID:   "10",
		ChannelID: "20",
		UserID:    "30",
		SessionID: "session",
		Token:     "token",
		Endpoint:  "voice.example:443",
	}

	t.Run("Server update before state update", func(t *testing.T) {
		c := newDescriptorCollector("10", "20", "30")
		c.onVoiceServer(&discordgo.VoiceServerUpdate{GuildID: "10", Token: "token", Endpoint: "voice.example:443"})
		select {
		case <-c.done:
			t.Fatal("descriptor completed without a voice state")
		default:
		}
		c.onVoiceState(stateUpdate("10", "20", "30", "session"))

		select {
		case got := <-c.done:
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
			}
		case <-time.After(time.Second):
			t.Fatal("descriptor never completed")
		}
	})

	t.Run("Foreign and incomplete updates are ignored", func(t *testing.T) {
		c := newDescriptorCollector("10", "20", "30")
		c.onVoiceState(stateUpdate("10", "20", "31", "other-user"))
		c.onVoiceState(stateUpdate("11", "20", "30", "other-guild"))
		c.onVoiceState(&discordgo.VoiceStateUpdate{})
		c.onVoiceServer(&discordgo.VoiceServerUpdate{GuildID: "10", Token: "pending"})
		c.onVoiceServer(&discordgo.VoiceServerUpdate{GuildID: "11", Token: "x", Endpoint: "other.example"})
		c.onVoiceState(stateUpdate("10", "20", "30", "session"))
		select {
		case <-c.done:
			t.Fatal("descriptor completed without a server assignment")
		default:
		}
		c.onVoiceServer(&discordgo.VoiceServerUpdate{GuildID: "10", Token: "token", Endpoint: "voice.example:443"})
		// A second assignment must not block or send again.
		c.onVoiceServer(&discordgo.VoiceServerUpdate{GuildID: "10", Token: "token2", Endpoint: "voice2.example"})

		got := <-c.done
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
		}
	})
}

type fakeCall struct {
	epoch       uint64
	encrypted   bool
	fingerprint verify.Fingerprint
}

func (c *fakeCall) Epoch() uint64 { return c.epoch }

func (c *fakeCall) PrivacyCode() (string, error) {
	if !c.encrypted {
		return "", voice.ErrNotEncrypted
	}
	return "12345 67890", nil
}

func (c *fakeCall) PairwiseCode(userID string) (string, error) {
	if !c.encrypted {
		return "", voice.ErrNotEncrypted
	}
	if userID != "42" {
		return "", errors.New("user " + userID + " is not in the group")
	}
	return "11111 22222", nil
}

func (c *fakeCall) Fingerprint(userID string) (verify.Fingerprint, error) {
	if !c.encrypted {
		return nil, voice.ErrNotEncrypted
	}
	return c.fingerprint, nil
}

type fakePeers struct {
	saved map[string][]byte
	err   error
}

func (p *fakePeers) MarkVerified(_ context.Context, userID string, fingerprint []byte) error {
	if p.err != nil {
		return p.err
	}
	p.saved[userID] = fingerprint
	return nil
}

func subcommand(name, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	o := &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionSubCommand}
	if userID != "" {
		o.Options = []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "user", Type: discordgo.ApplicationCommandOptionUser, Value: userID},
		}
	}
	return o
}

func TestReply(t *testing.T) {
	encrypted := &fakeCall{epoch: 3, encrypted: true, fingerprint: verify.Fingerprint{0xde, 0xad, 0xbe, 0xef, 0, 1, 2, 3, 4}}
	plain := &fakeCall{epoch: 0}

	tc := []struct {
		name     string
		call     Call
		option   *discordgo.ApplicationCommandInteractionDataOption
		expected string
		userErr  string
	}{
		{
			name:    "No call",
			option:  subcommand("code", ""),
			userErr: "The bot is not in a voice call.",
		},
		{
			name:     "Privacy code",
			call:     encrypted,
			option:   subcommand("code", ""),
			expected: "Privacy code for epoch 3: `12345 67890`",
		},
		{
			name:    "Privacy code before encryption",
			call:    plain,
			option:  subcommand("code", ""),
			userErr: "The call is not end-to-end encrypted yet.",
		},
		{
			name:     "Pairwise code",
			call:     encrypted,
			option:   subcommand("verify", "42"),
			expected: "Compare this code with <@42>: `11111 22222`",
		},
		{
			name:    "Pairwise code for a stranger",
			call:    encrypted,
			option:  subcommand("verify", "7"),
			userErr: "user 7 is not in the group",
		},
		{
			name:    "Verify without a user",
			call:    encrypted,
			option:  subcommand("verify", ""),
			userErr: "Pick a member to verify.",
		},
		{
			name:     "Trust stores the fingerprint",
			call:     encrypted,
			option:   subcommand("trust", "42"),
			expected: "Trusted <@42> with key `deadbeef00010203`.",
		},
		{
			name:    "Unknown subcommand",
			call:    encrypted,
			option:  subcommand("mute", ""),
			userErr: `Unknown subcommand "mute".`,
		},
	}

	for _, testCase := range tc {
		t.Run(testCase.name, func(t *testing.T) {
			peers := &fakePeers{saved: map[string][]byte{}}
			got, err := Reply(t.Context(), testCase.call, peers, testCase.option)
			if testCase.userErr != "" {
				var userErr *UserError
				if !errors.As(err, &userErr) {
					t.Fatalf("expected a UserError, got %v", err)
				}
				if userErr.Message != testCase.userErr {
					t.Errorf("expected message %q, got %q", testCase.userErr, userErr.Message)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.expected {
				t.Errorf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestReplyTrustPersistsFingerprint(t *testing.T) {
	fp := verify.Fingerprint{1, 2, 3, 4, 5, 6, 7, 8, 9}
	call := &fakeCall{encrypted: true, fingerprint: fp}

	peers := &fakePeers{saved: map[string][]byte{}}
	if _, err := Reply(t.Context(), call, peers, subcommand("trust", "42")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]byte(fp), peers.saved["42"]); diff != "" {
		t.Errorf("saved fingerprint mismatch (-want +got):\n%s", diff)
	}

	if _, err := Reply(t.Context(), call, nil, subcommand("trust", "42")); err == nil {
		t.Error("expected an error without a peer store")
	}

	failing := &fakePeers{err: errors.New("database is down")}
	_, err := Reply(t.Context(), call, failing, subcommand("trust", "42"))
	var userErr *UserError
	if err == nil || errors.As(err, &userErr) {
		t.Errorf("expected an internal error, got %v", err)
	}
}
