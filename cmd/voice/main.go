package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/glizzus/voicecore/internal/capture"
	"github.com/glizzus/voicecore/internal/config"
	"github.com/glizzus/voicecore/internal/datalayer"
	"github.com/glizzus/voicecore/internal/discord"
	"github.com/glizzus/voicecore/internal/events"
	"github.com/glizzus/voicecore/internal/mls"
	"github.com/glizzus/voicecore/internal/opus"
	"github.com/glizzus/voicecore/internal/repository"
	"github.com/glizzus/voicecore/internal/transport"
	"github.com/glizzus/voicecore/internal/voice"
)

const joinTimeout = 15 * time.Second

var _ voice.TrustStore = (*repository.PostgresPeerRepository)(nil)

// groupProvider is the MLS implementation used for end-to-end encryption.
// None ships with this binary; builds that link one set it in an init
// function.
var groupProvider mls.Provider

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func newPublisher(ctx context.Context, cfg *config.VoiceConfig) (events.Publisher, func(), error) {
	if !cfg.UseRedis {
		return &events.LogPublisher{}, func() {}, nil
	}
	redisCfg, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load redis config: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	publisher := events.NewRedisStreamPublisher(client, redisCfg.Stream, redisCfg.StreamMaxLen)
	return publisher, func() { client.Close() }, nil
}

func newTrustStore(ctx context.Context, cfg *config.VoiceConfig) (*repository.PostgresPeerRepository, func(), error) {
	if !cfg.UsePostgres {
		return nil, func() {}, nil
	}
	pool, err := datalayer.NewPostgresPoolFromEnv(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := datalayer.MigratePostgres(pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate postgres: %w", err)
	}
	return repository.NewPostgresPeerRepository(pool), pool.Close, nil
}

type frameSink interface {
	Run(ctx context.Context, frames <-chan voice.Frame, interval time.Duration) error
}

// record hands frames to sink. Frames are drained when there is no sink or
// it stopped early, so the session never blocks on them.
func record(ctx context.Context, logger *slog.Logger, sink frameSink, frames <-chan voice.Frame, interval time.Duration) {
	if sink != nil {
		if err := sink.Run(ctx, frames, interval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("capture stopped", "error", err)
		}
	}
	for range frames {
	}
}

func newRecorder(ctx context.Context, cfg *config.VoiceConfig, desc voice.Descriptor) (*capture.Recorder, error) {
	if !cfg.Capture {
		return nil, nil
	}
	minioStorage, err := datalayer.NewMinioStorageFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create minio storage: %w", err)
	}
	if err := minioStorage.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure minio bucket: %w", err)
	}
	return capture.NewRecorder(minioStorage, capture.Options{
		Prefix: desc.GuildID + "/" + desc.ChannelID,
	}), nil
}

func pickChannel(s *discordgo.Session, cfg *config.DiscordConfig) (string, error) {
	if cfg.ChannelID != "" {
		return cfg.ChannelID, nil
	}
	channel, err := discord.BusiestChannel(s, cfg.GuildID)
	if err != nil {
		return "", err
	}
	slog.Info("Joining the busiest voice channel", "channelID", channel.ID, "name", channel.Name)
	return channel.ID, nil
}

func play(ctx context.Context, path string, call *voice.Session) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoded, err := opus.Encode(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	defer encoded.Close()

	return opus.StreamToSession(ctx, opus.NewFrameReader(encoded), call)
}

func runVoice(ctx context.Context) error {
	if err := config.LoadEnv(); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No .env file found, continuing without it")
		} else {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	voiceCfg, err := config.NewVoiceConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load voice config: %w", err)
	}
	discordCfg, err := config.NewDiscordConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load discord config: %w", err)
	}
	localAddr, err := voiceCfg.LocalAddrPort()
	if err != nil {
		return err
	}

	if voiceCfg.MaxProtocolVersion > 0 && groupProvider == nil {
		slog.Warn("No MLS provider linked, end-to-end encryption is disabled", "requestedVersion", voiceCfg.MaxProtocolVersion)
		voiceCfg.MaxProtocolVersion = 0
	}

	metricsServer := serveMetrics(voiceCfg.MetricsAddr)
	defer metricsServer.Close()

	publisher, closePublisher, err := newPublisher(ctx, voiceCfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	peers, closePeers, err := newTrustStore(ctx, voiceCfg)
	if err != nil {
		return err
	}
	defer closePeers()

	var current atomic.Pointer[voice.Session]
	currentCall := func() discord.Call {
		if s := current.Load(); s != nil {
			return s
		}
		return nil
	}
	var peerStore discord.PeerStore
	var trust voice.TrustStore
	if peers != nil {
		peerStore, trust = peers, peers
	}

	session, err := discord.NewSession(discordCfg.Token, discord.Handlers{
		Ready:             discord.ReadyLog,
		InteractionCreate: discord.MakeInteractionCreateHandler(currentCall, peerStore),
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("failed to close session", "error", err)
		}
	}()

	if err := discord.EstablishCommands(session, discordCfg.GuildID); err != nil {
		return err
	}

	channelID, err := pickChannel(session, discordCfg)
	if err != nil {
		return err
	}

	joinCtx, cancelJoin := context.WithTimeout(ctx, joinTimeout)
	desc, err := discord.JoinVoice(joinCtx, session, discordCfg.GuildID, channelID)
	cancelJoin()
	if err != nil {
		return err
	}
	defer func() {
		if err := discord.LeaveVoice(session, discordCfg.GuildID); err != nil {
			slog.Warn("failed to leave voice", "error", err)
		}
	}()

	transports := transport.NewFactory(nil)
	defer transports.Close()

	var coordinator *mls.Coordinator
	if groupProvider != nil {
		coordinator = mls.NewCoordinator(groupProvider, nil)
		defer coordinator.Close()
	}

	call, err := voice.New(desc, voice.Options{
		Transports:         transports,
		Coordinator:        coordinator,
		MaxProtocolVersion: voiceCfg.MaxProtocolVersion,
		LocalAddr:          localAddr,
		Trust:              trust,
		Events:             publisher,
		FrameBuffer:        voiceCfg.FrameBuffer,
		DiscoveryTimeout:   voiceCfg.DiscoveryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create voice session: %w", err)
	}
	if err := call.Open(ctx); err != nil {
		return fmt.Errorf("failed to open voice session: %w", err)
	}
	current.Store(call)
	defer func() {
		current.Store(nil)
		if err := call.Close(); err != nil {
			slog.Warn("failed to close voice session", "error", err)
		}
	}()

	recorder, err := newRecorder(ctx, voiceCfg, desc)
	if err != nil {
		return err
	}
	var sink frameSink
	if recorder != nil {
		sink = recorder
	}
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		record(ctx, slog.Default(), sink, call.Frames(), voiceCfg.CaptureFlushInterval)
	}()

	if voiceCfg.PlayFile != "" {
		go func() {
			if err := play(ctx, voiceCfg.PlayFile, call); err != nil {
				slog.Error("failed to play file", "file", voiceCfg.PlayFile, "error", err)
			}
		}()
	}

	waited := make(chan error, 1)
	go func() { waited <- call.Wait() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		current.Store(nil)
		if err := call.Close(); err != nil {
			slog.Warn("failed to close voice session", "error", err)
		}
		<-recorded
		return nil
	case err := <-waited:
		<-recorded
		if err != nil {
			return fmt.Errorf("voice session ended: %w", err)
		}
		return nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runVoice(ctx); err != nil {
		log.Fatalf("failed to run voice: %v", err)
	}
}
