package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"urlshortener/internal/metrics"
)

const (
	// DeadLetterSuffix is appended to a topic to name its dead-letter topic.
	DeadLetterSuffix = ".dlq"

	maxTraceLen = 4096
)

// DeadLetter wraps a record that exhausted its retry budget.
type DeadLetter struct {
	OriginalTopic string    `json:"original_topic"`
	ConsumerGroup string    `json:"consumer_group,omitempty"`
	Key           string    `json:"key"`
	MessageID     string    `json:"message_id,omitempty"`
	Payload       string    `json:"payload"`
	ErrorClass    string    `json:"error_class"`
	ErrorMessage  string    `json:"error_message"`
	Trace         string    `json:"trace,omitempty"`
	RetryCount    int       `json:"retry_count"`
	FailedAt      time.Time `json:"failed_at"`
}

// DeadLetterPublisher is the terminal sink for failed records. A failed send
// is logged and reported, never retried here.
type DeadLetterPublisher struct {
	pub Publisher
	log *zap.Logger
}

func NewDeadLetterPublisher(pub Publisher, log *zap.Logger) *DeadLetterPublisher {
	return &DeadLetterPublisher{pub: pub, log: log.Named("dlq")}
}

// PublishToDLQ sends msg with failure metadata to msg.Topic + DeadLetterSuffix.
func (d *DeadLetterPublisher) PublishToDLQ(ctx context.Context, msg Message, group string, cause error, retryCount int) error {
	dl := NewDeadLetter(msg, group, cause, retryCount)
	body, err := sonic.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	topic := msg.Topic + DeadLetterSuffix
	if err := d.pub.Send(ctx, topic, msg.Key, body); err != nil {
		metrics.DeadLetters.WithLabelValues(msg.Topic, "failed").Inc()
		d.log.Error("dead-letter send failed, record is dropped from the pipeline",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return err
	}
	metrics.DeadLetters.WithLabelValues(msg.Topic, "sent").Inc()
	d.log.Warn("record dead-lettered",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Int("retries", retryCount),
		zap.Error(cause))
	return nil
}

// NewDeadLetter builds the envelope for msg. The trace carries the stack of
// the cause when it was created or wrapped with github.com/pkg/errors.
func NewDeadLetter(msg Message, group string, cause error, retryCount int) DeadLetter {
	trace := fmt.Sprintf("%+v", cause)
	if len(trace) > maxTraceLen {
		trace = trace[:maxTraceLen]
	}
	return DeadLetter{
		OriginalTopic: msg.Topic,
		ConsumerGroup: group,
		Key:           msg.Key,
		MessageID:     msg.ID,
		Payload:       string(msg.Payload),
		ErrorClass:    fmt.Sprintf("%T", errors.Cause(cause)),
		ErrorMessage:  cause.Error(),
		Trace:         trace,
		RetryCount:    retryCount,
		FailedAt:      time.Now().UTC(),
	}
}
