package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"urlshortener/internal/bus"
	"urlshortener/internal/metrics"
	"urlshortener/internal/retry"
	"urlshortener/models"
)

// RelayGroup names the relay in dead-letter envelopes.
const RelayGroup = "outbox-relay"

// RelayConfig tunes polling and retries.
type RelayConfig struct {
	Interval       time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	MaxAttempts    int
	// ClaimTimeout is how long a Processing row may stay claimed before
	// another relay assumes its owner died.
	ClaimTimeout time.Duration
	DrainTimeout time.Duration
	Retry        retry.Policy
}

// Relay publishes pending outbox rows. Several relays may share one table:
// rows are claimed with a conditional update before they are sent.
type Relay struct {
	db  *gorm.DB
	pub bus.Publisher
	dlq *bus.DeadLetterPublisher
	cfg RelayConfig
	log *zap.Logger
}

func NewRelay(db *gorm.DB, pub bus.Publisher, dlq *bus.DeadLetterPublisher, cfg RelayConfig, log *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Relay{db: db, pub: pub, dlq: dlq, cfg: cfg, log: log.Named("relay")}
}

// Run polls every Interval until ctx is done, then drains one last batch.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.drain()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("outbox poll failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	n, err := r.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	r.log.Info("outbox relay drained", zap.Int("published", n))
	return nil
}

// RunOnce publishes at most one batch and returns how many rows were published.
// A failed row goes back to Pending with a later NextAttemptAt; it never
// blocks rows of other aggregates.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-r.cfg.ClaimTimeout)

	var rows []models.OutboxRecord
	err := r.db.WithContext(ctx).
		Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND claimed_at < ?)",
			models.OutboxPending, now, models.OutboxProcessing, staleBefore).
		Where("aggregate_id NOT IN (?)", r.busyAggregates(now, staleBefore)).
		Order("created_at, id").
		Limit(r.cfg.BatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("select pending outbox rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	blocked := make(map[string]struct{})
	published := 0
	for i := range rows {
		row := &rows[i]
		if _, ok := blocked[row.AggregateID]; ok {
			continue
		}
		claimed, err := r.claim(ctx, row, now)
		if err != nil {
			return published, err
		}
		if !claimed {
			blocked[row.AggregateID] = struct{}{}
			continue
		}
		if err := r.publish(ctx, row); err != nil {
			blocked[row.AggregateID] = struct{}{}
			r.handleFailure(ctx, row, err)
			continue
		}
		published++
	}
	return published, nil
}

// busyAggregates selects aggregates with a row waiting out a backoff or
// being published by another relay. Their rows stay out of the batch so each
// aggregate is published in commit order and the others keep the window.
func (r *Relay) busyAggregates(now, staleBefore time.Time) *gorm.DB {
	return r.db.Model(&models.OutboxRecord{}).
		Select("aggregate_id").
		Where("(status = ? AND next_attempt_at > ?) OR (status = ? AND claimed_at >= ?)",
			models.OutboxPending, now, models.OutboxProcessing, staleBefore)
}

// claim moves row to Processing. The attempt counter doubles as a version so
// only one relay wins a row.
func (r *Relay) claim(ctx context.Context, row *models.OutboxRecord, now time.Time) (bool, error) {
	changes := map[string]interface{}{
		"status":     models.OutboxProcessing,
		"claimed_at": now,
		"attempts":   row.Attempts + 1,
	}
	if row.FirstAttemptAt == nil {
		changes["first_attempt_at"] = now
	}
	res := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ? AND attempts = ? AND status IN ?", row.ID, row.Attempts,
			[]models.OutboxStatus{models.OutboxPending, models.OutboxProcessing}).
		Updates(changes)
	if res.Error != nil {
		return false, fmt.Errorf("claim outbox row %d: %w", row.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	row.Attempts++
	row.Status = models.OutboxProcessing
	if row.FirstAttemptAt == nil {
		row.FirstAttemptAt = &now
	}
	return true, nil
}

func (r *Relay) publish(ctx context.Context, row *models.OutboxRecord) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	err := r.pub.Send(sendCtx, row.Topic, row.AggregateID, row.Payload)
	cancel()
	if err != nil {
		return err
	}
	publishedAt := time.Now().UTC()
	err = r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"status":       models.OutboxPublished,
			"published_at": publishedAt,
			"last_error":   "",
		}).Error
	if err != nil {
		// The event is out; the row is published again after ClaimTimeout and
		// consumers drop the duplicate.
		r.log.Warn("published but failed to mark outbox row", zap.Uint("id", row.ID), zap.Error(err))
	}
	metrics.OutboxEvents.WithLabelValues(row.Topic, "published").Inc()
	return nil
}

func (r *Relay) handleFailure(ctx context.Context, row *models.OutboxRecord, cause error) {
	now := time.Now().UTC()
	if row.Attempts >= r.cfg.MaxAttempts || r.cfg.Retry.Exhausted(*row.FirstAttemptAt, now) {
		r.deadLetter(ctx, row, cause)
		return
	}
	metrics.OutboxEvents.WithLabelValues(row.Topic, "failed").Inc()
	next := now.Add(r.cfg.Retry.Delay(row.Attempts))
	err := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxPending,
			"next_attempt_at": next,
			"last_error":      cause.Error(),
		}).Error
	if err != nil {
		r.log.Warn("failed to release outbox row", zap.Uint("id", row.ID), zap.Error(err))
	}
	r.log.Warn("outbox publish failed, will retry",
		zap.Uint("id", row.ID),
		zap.String("topic", row.Topic),
		zap.Int("attempts", row.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
}

func (r *Relay) deadLetter(ctx context.Context, row *models.OutboxRecord, cause error) {
	metrics.OutboxEvents.WithLabelValues(row.Topic, "dead_lettered").Inc()
	if r.dlq != nil {
		msg := bus.Message{
			Topic:   row.Topic,
			ID:      strconv.FormatUint(uint64(row.ID), 10),
			Key:     row.AggregateID,
			Payload: row.Payload,
		}
		_ = r.dlq.PublishToDLQ(ctx, msg, RelayGroup, cause, row.Attempts)
	}
	err := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"status":     models.OutboxDeadLettered,
			"last_error": cause.Error(),
		}).Error
	if err != nil {
		r.log.Error("failed to mark outbox row dead-lettered", zap.Uint("id", row.ID), zap.Error(err))
	}
}
