package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type DiscordConfig struct {
	Token     string `env:"DISCORD_TOKEN, required"`
	GuildID   string `env:"DISCORD_GUILD_ID, required"`
	ChannelID string `env:"DISCORD_CHANNEL_ID"`

	// JoinBusiest picks the voice channel with the most members when no
	// channel is configured.
	JoinBusiest bool `env:"DISCORD_JOIN_BUSIEST, default=true"`
}

func NewDiscordConfigFromEnv() (*DiscordConfig, error) {
	var cfg DiscordConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if cfg.ChannelID == "" && !cfg.JoinBusiest {
		return nil, fmt.Errorf("refusing to join voice without a channel ID unless DISCORD_JOIN_BUSIEST is set to true")
	}

	return &cfg, nil
}
