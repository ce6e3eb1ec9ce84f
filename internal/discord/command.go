package discord

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/glizzus/voicecore/internal/verify"
	"github.com/glizzus/voicecore/internal/voice"
)

var userOption = &discordgo.ApplicationCommandOption{
	Name:        "user",
	Type:        discordgo.ApplicationCommandOptionUser,
	Description: "The member of the call.",
	Required:    true,
}

// Commands is a list of all the commands the bot can handle.
// This is used to register the commands with Discord.
var Commands = []*discordgo.ApplicationCommand{
	{
		Name:        "voice",
		Description: "Inspect the end-to-end encrypted call",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "code",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Description: "Show the privacy code of the current epoch",
			},
			{
				Name:        "verify",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Description: "Show the code to compare with another member",
				Options:     []*discordgo.ApplicationCommandOption{userOption},
			},
			{
				Name:        "trust",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Description: "Remember a member's key after comparing codes",
				Options:     []*discordgo.ApplicationCommandOption{userOption},
			},
		},
	},
}

func EstablishCommands(s *discordgo.Session, guildID string) error {
	_, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, Commands)
	if err != nil {
		return fmt.Errorf("failed to establish commands: %w", err)
	}
	return nil
}

// Call is the part of a voice session the commands read from.
type Call interface {
	Epoch() uint64
	PrivacyCode() (string, error)
	PairwiseCode(userID string) (string, error)
	Fingerprint(userID string) (verify.Fingerprint, error)
}

var _ Call = (*voice.Session)(nil)

// PeerStore remembers fingerprints a user verified.
type PeerStore interface {
	MarkVerified(ctx context.Context, userID string, fingerprint []byte) error
}

// Reply answers one /voice subcommand. The returned error is either a
// *UserError to show as is or an internal failure.
func Reply(ctx context.Context, call Call, peers PeerStore, option *discordgo.ApplicationCommandInteractionDataOption) (string, error) {
	if call == nil {
		return "", &UserError{Message: "The bot is not in a voice call."}
	}

	var userID string
	for _, o := range option.Options {
		if o.Name == "user" {
			userID = fmt.Sprint(o.Value)
		}
	}

	switch option.Name {
	case "code":
		code, err := call.PrivacyCode()
		if err != nil {
			return "", userFacing(err)
		}
		return fmt.Sprintf("Privacy code for epoch %d: `%s`", call.Epoch(), code), nil
	case "verify":
		if userID == "" {
			return "", &UserError{Message: "Pick a member to verify."}
		}
		code, err := call.PairwiseCode(userID)
		if err != nil {
			return "", userFacing(err)
		}
		return fmt.Sprintf("Compare this code with <@%s>: `%s`", userID, code), nil
	case "trust":
		if userID == "" {
			return "", &UserError{Message: "Pick a member to trust."}
		}
		if peers == nil {
			return "", &UserError{Message: "Trusted keys are not stored on this bot."}
		}
		fp, err := call.Fingerprint(userID)
		if err != nil {
			return "", userFacing(err)
		}
		if err := peers.MarkVerified(ctx, userID, fp); err != nil {
			return "", fmt.Errorf("failed to save verified peer: %w", err)
		}
		return fmt.Sprintf("Trusted <@%s> with key `%s`.", userID, hex.EncodeToString(fp[:min(8, len(fp))])), nil
	default:
		return "", &UserError{Message: fmt.Sprintf("Unknown subcommand %q.", option.Name)}
	}
}

func userFacing(err error) error {
	if errors.Is(err, voice.ErrNotEncrypted) {
		return &UserError{Message: "The call is not end-to-end encrypted yet."}
	}
	return &UserError{Message: err.Error()}
}

// MakeInteractionCreateHandler answers /voice commands for the call
// returned by current, which may be nil between connections.
func MakeInteractionCreateHandler(current func() Call, peers PeerStore) InteractionCreateHandler {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		command := i.ApplicationCommandData()
		if command.Name != "voice" {
			return
		}
		if len(command.Options) == 0 {
			slog.Warn("No options provided for voice command")
			return
		}

		content, err := Reply(context.Background(), current(), peers, command.Options[0])
		if err != nil {
			var userErr *UserError
			if !errors.As(err, &userErr) {
				slog.Error("Failed to answer voice command", "error", err)
				content = "Something went wrong."
			} else {
				content = userErr.Message
			}
		}

		err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
		if err != nil {
			slog.Error("Failed to respond to voice command", "error", err)
		}
	}
}
