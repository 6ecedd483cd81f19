package consumer

import (
	"context"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"urlshortener/internal/bus"
	"urlshortener/internal/db"
	"urlshortener/internal/events"
	"urlshortener/internal/metrics"
	"urlshortener/models"
)

// BatchResult counts what a batch changed.
type BatchResult struct {
	Inserted   int
	Duplicates int
}

// ClickConsumer persists url.clicked events as Click rows, once per event id.
type ClickConsumer struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewClickConsumer(database *gorm.DB, log *zap.Logger) *ClickConsumer {
	return &ClickConsumer{db: database, log: log.Named("clicks")}
}

// Handle decodes msgs and applies them with ConsumeBatch.
func (c *ClickConsumer) Handle(ctx context.Context, msgs []bus.Message) error {
	evs := make([]events.URLClicked, 0, len(msgs))
	for _, m := range msgs {
		var ev events.URLClicked
		if err := events.Decode(m.Payload, &ev); err != nil {
			return backoff.Permanent(errors.Wrapf(err, "decode click event %s", m.ID))
		}
		if ev.EventID == "" || ev.ShortCode == "" {
			return backoff.Permanent(errors.Errorf("click event %s lacks event id or code", m.ID))
		}
		evs = append(evs, ev)
	}
	_, err := c.ConsumeBatch(ctx, evs)
	return err
}

// ConsumeBatch inserts all rows in one statement. When that statement hits an
// event id that is already stored it falls back to one insert per row and
// skips the duplicates. Other storage errors are returned.
func (c *ClickConsumer) ConsumeBatch(ctx context.Context, evs []events.URLClicked) (BatchResult, error) {
	if len(evs) == 0 {
		return BatchResult{}, nil
	}
	rows := make([]models.Click, len(evs))
	for i, ev := range evs {
		rows[i] = toClick(ev)
	}

	outcome, err := db.InsertAll(ctx, c.db, &rows)
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "bulk insert clicks")
	}
	if outcome == db.Inserted {
		metrics.ConsumedEvents.WithLabelValues(events.TopicURLClicked, "inserted").Add(float64(len(rows)))
		return BatchResult{Inserted: len(rows)}, nil
	}

	var res BatchResult
	for _, ev := range evs {
		row := toClick(ev)
		outcome, err := db.Insert(ctx, c.db, &row)
		if err != nil {
			return res, errors.Wrapf(err, "insert click %s", ev.EventID)
		}
		if outcome == db.AlreadyExists {
			res.Duplicates++
			continue
		}
		res.Inserted++
	}
	metrics.ConsumedEvents.WithLabelValues(events.TopicURLClicked, "inserted").Add(float64(res.Inserted))
	metrics.ConsumedEvents.WithLabelValues(events.TopicURLClicked, "duplicate").Add(float64(res.Duplicates))
	c.log.Debug("batch contained already applied events",
		zap.Int("inserted", res.Inserted), zap.Int("duplicates", res.Duplicates))
	return res, nil
}

func toClick(ev events.URLClicked) models.Click {
	return models.Click{
		EventID:     ev.EventID,
		ShortCode:   ev.ShortCode,
		OriginalURL: ev.OriginalURL,
		ClickedAt:   ev.ClickedAt.UTC(),
	}
}
