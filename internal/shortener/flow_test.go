package shortener

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"urlshortener/internal/bus"
	"urlshortener/internal/consumer"
	"urlshortener/internal/events"
	"urlshortener/internal/idgen"
	"urlshortener/internal/kv"
	"urlshortener/internal/outbox"
	"urlshortener/internal/retry"
	"urlshortener/models"
)

// Shorten, redirect, relay and consume with Redis-backed collaborators.
func TestFlow_ShortenRedirectClickOnce(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	database := newTestDB(t)
	store := kv.NewRedis(client)
	streams := bus.NewStreams(client, bus.StreamsConfig{Partitions: 4})
	dlq := bus.NewDeadLetterPublisher(streams, log)

	gen, err := idgen.New(0, 3)
	require.NoError(t, err)
	svc := New(database, gen, newLinkCache(t, store, database), log)

	link, err := svc.Shorten(ctx, "https://example.com/a")
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, link.Code)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", resolved.OriginalURL)
	click, err := svc.RecordClick(ctx, resolved)
	require.NoError(t, err)

	relay := outbox.NewRelay(database, streams, dlq, outbox.RelayConfig{Retry: retry.Default}, log)
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "url.created and url.clicked")

	policy := retry.Policy{Base: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxElapsed: 50 * time.Millisecond}
	clicks := consumer.NewRunner(streams, dlq, consumer.NewClickConsumer(database, log).Handle, consumer.RunnerConfig{
		Topic: events.TopicURLClicked, Group: "analytics", Consumer: "a1", Retry: policy,
	}, log)
	_, err = clicks.Poll(ctx)
	require.NoError(t, err)

	// At-least-once: the same event arrives twice more.
	payload, err := events.Encode(click)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, streams.Send(ctx, events.TopicURLClicked, link.Code, payload))
	}
	_, err = clicks.Poll(ctx)
	require.NoError(t, err)

	var rows []models.Click
	require.NoError(t, database.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, click.EventID, rows[0].EventID)
	assert.Equal(t, link.Code, rows[0].ShortCode)

	// A second instance warms its cache from url.created without a database read.
	warm := newLinkCache(t, kv.NewMemory(), database)
	links := consumer.NewRunner(streams, dlq, consumer.NewLinkWarmer(warm).Handle, consumer.RunnerConfig{
		Topic: events.TopicURLCreated, Group: "instance-b", Consumer: "b1", Retry: policy,
	}, log)
	n, err = links.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	cached, ok := warm.Get(ctx, link.Code)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a", cached.OriginalURL)

	var published int64
	require.NoError(t, database.Model(&models.OutboxRecord{}).Where("status = ?", models.OutboxPublished).Count(&published).Error)
	assert.EqualValues(t, 2, published)
}
