package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/glizzus/voicecore/internal/events"
)

func TestRedisStreamPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a redis container")
	}
	ctx := t.Context()

	redisContainer, err := tcredis.Run(ctx, "redis:7")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	uri, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", uri, err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	publisher := events.NewRedisStreamPublisher(client, "", 100)
	err = publisher.Publish(ctx,
		events.Event{Kind: events.ClientConnected, GuildID: "1", ChannelID: "2", UserID: "3", Time: at},
		events.Event{Kind: events.EpochChanged, GuildID: "1", ChannelID: "2", Epoch: 4, Time: at},
	)
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	entries, err := client.XRange(ctx, events.DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	var got []map[string]any
	for _, e := range entries {
		got = append(got, e.Values)
	}
	want := []map[string]any{
		{"kind": "client_connected", "guildID": "1", "channelID": "2", "userID": "3", "epoch": "0", "at": "2025-03-01T12:00:00Z"},
		{"kind": "epoch_changed", "guildID": "1", "channelID": "2", "userID": "", "epoch": "4", "at": "2025-03-01T12:00:00Z"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stream entries mismatch (-want +got):\n%s", diff)
	}
}
