package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind names what happened in a voice session.
type Kind string

const (
	EpochChanged       Kind = "epoch_changed"
	RosterChanged      Kind = "roster_changed"
	ClientConnected    Kind = "client_connected"
	ClientDisconnected Kind = "client_disconnected"
	KeyChanged         Kind = "key_changed"
	SessionClosed      Kind = "session_closed"
)

// Event is one notification from a voice session.
type Event struct {
	Kind      Kind
	GuildID   string
	ChannelID string
	UserID    string
	Epoch     uint64
	Time      time.Time
}

// Publisher hands session events to whoever is watching them.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range events {
		logger.InfoContext(
			ctx,
			"Voice session event",
			slog.String("kind", string(e.Kind)),
			slog.String("guildID", e.GuildID),
			slog.String("channelID", e.ChannelID),
			slog.String("userID", e.UserID),
			slog.Uint64("epoch", e.Epoch),
			slog.String("at", e.Time.Format("2006-01-02 15:04:05")),
		)
	}
	return nil
}

var _ Publisher = (*LogPublisher)(nil)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "voice_events"

// RedisStreamPublisher appends events to a Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamPublisher returns a publisher writing to stream, trimmed
// to roughly maxLen entries. A zero maxLen disables trimming.
func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, events ...Event) error {
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range events {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				MaxLen: p.maxLen,
				Approx: p.maxLen > 0,
				Values: Values(e),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %d events to %s: %w", len(events), p.stream, err)
	}
	return nil
}

var _ Publisher = (*RedisStreamPublisher)(nil)

// Values is the stream entry written for e.
func Values(e Event) map[string]any {
	return map[string]any{
		"kind":      string(e.Kind),
		"guildID":   e.GuildID,
		"channelID": e.ChannelID,
		"userID":    e.UserID,
		"epoch":     strconv.FormatUint(e.Epoch, 10),
		"at":        e.Time.Format(time.RFC3339),
	}
}

// MemoryPublisher keeps events in memory. It is meant for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(_ context.Context, events ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

var _ Publisher = (*MemoryPublisher)(nil)
