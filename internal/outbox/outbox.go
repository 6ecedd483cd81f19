// Package outbox implements the transactional outbox: events are stored in the
// same database transaction as the change they describe and published by a
// background Relay afterwards.
package outbox

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"urlshortener/internal/events"
	"urlshortener/models"
)

// Record stores event for publication on topic. tx must be the transaction of
// the business write; the row becomes visible to the relay only when it commits.
func Record(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, topic string, event interface{}) error {
	payload, err := events.Encode(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	now := time.Now().UTC()
	row := &models.OutboxRecord{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       payload,
		Status:        models.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}
