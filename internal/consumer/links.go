package consumer

import (
	"context"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"urlshortener/internal/bus"
	"urlshortener/internal/events"
	"urlshortener/internal/metrics"
	"urlshortener/models"
)

// LinkCache is the part of the resolve cache the warmer writes to.
type LinkCache interface {
	Put(ctx context.Context, key string, v models.Link)
}

// LinkWarmer applies url.created events by writing the new link through the
// cache, so the first redirect does not go to the database. Putting the same
// link twice is harmless.
type LinkWarmer struct {
	cache LinkCache
}

func NewLinkWarmer(cache LinkCache) *LinkWarmer {
	return &LinkWarmer{cache: cache}
}

func (w *LinkWarmer) Handle(ctx context.Context, msgs []bus.Message) error {
	for _, m := range msgs {
		var ev events.URLCreated
		if err := events.Decode(m.Payload, &ev); err != nil {
			return backoff.Permanent(errors.Wrapf(err, "decode link event %s", m.ID))
		}
		if ev.Code == "" || ev.OriginalURL == "" {
			return backoff.Permanent(errors.Errorf("link event %s lacks code or url", m.ID))
		}
		w.cache.Put(ctx, ev.Code, models.Link{
			Code:        ev.Code,
			OriginalURL: ev.OriginalURL,
			CreatedAt:   ev.CreatedAt,
		})
	}
	metrics.ConsumedEvents.WithLabelValues(events.TopicURLCreated, "cached").Add(float64(len(msgs)))
	return nil
}
