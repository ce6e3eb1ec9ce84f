package config

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// VoiceConfig tunes the voice session itself. Storage, Redis and
// Postgres are configured separately and are all optional.
type VoiceConfig struct {
	MaxProtocolVersion uint16        `env:"VOICE_MAX_PROTOCOL_VERSION, default=1"`
	LocalAddr          string        `env:"VOICE_LOCAL_ADDR"`
	DiscoveryTimeout   time.Duration `env:"VOICE_DISCOVERY_TIMEOUT, default=5s"`
	FrameBuffer        int           `env:"VOICE_FRAME_BUFFER, default=64"`

	MetricsAddr string `env:"VOICE_METRICS_ADDR, default=:9090"`

	UseRedis    bool `env:"VOICE_USE_REDIS, default=false"`
	UsePostgres bool `env:"VOICE_USE_POSTGRES, default=false"`
	Capture     bool `env:"VOICE_CAPTURE, default=false"`

	CaptureFlushInterval time.Duration `env:"VOICE_CAPTURE_FLUSH_INTERVAL, default=1m"`

	// PlayFile is transcoded with ffmpeg and sent once the call is up.
	PlayFile string `env:"VOICE_PLAY_FILE"`
}

func NewVoiceConfigFromEnv() (*VoiceConfig, error) {
	var cfg VoiceConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.LocalAddrPort(); err != nil {
		return nil, err
	}
	if cfg.FrameBuffer < 0 {
		return nil, fmt.Errorf("VOICE_FRAME_BUFFER must not be negative, got %d", cfg.FrameBuffer)
	}

	return &cfg, nil
}

// LocalAddrPort parses LocalAddr. An empty value is the zero AddrPort.
func (c *VoiceConfig) LocalAddrPort() (netip.AddrPort, error) {
	if c.LocalAddr == "" {
		return netip.AddrPort{}, nil
	}
	ap, err := netip.ParseAddrPort(c.LocalAddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid VOICE_LOCAL_ADDR %q: %w", c.LocalAddr, err)
	}
	return ap, nil
}
