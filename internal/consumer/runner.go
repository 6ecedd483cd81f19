// Package consumer applies bus events to local state. A Runner owns the
// fetch, retry, dead-letter and acknowledge loop; handlers only apply batches
// and must be idempotent because delivery is at-least-once.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"urlshortener/internal/bus"
	"urlshortener/internal/metrics"
	"urlshortener/internal/retry"
)

// ErrPublishExhausted marks records that used up their retry budget.
var ErrPublishExhausted = errors.New("retry budget exhausted")

// ExhaustedError is the cause recorded in a dead letter.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrPublishExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the handler's error for the dead-letter class.
func (e *ExhaustedError) Cause() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrPublishExhausted }

func (e *ExhaustedError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s after %d attempts\n%+v", ErrPublishExhausted, e.Attempts, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

// BatchHandler applies msgs. Returning a backoff.Permanent error skips the
// remaining retries.
type BatchHandler func(ctx context.Context, msgs []bus.Message) error

type RunnerConfig struct {
	Topic     string
	Group     string
	Consumer  string
	BatchSize int
	// ErrorWait pauses the loop after a failed fetch.
	ErrorWait time.Duration
	// IdleWait pauses the loop after a fetch that returned nothing.
	IdleWait time.Duration
	Retry    retry.Policy
}

// Runner consumes one topic for one consumer group.
type Runner struct {
	sub    bus.Subscriber
	dlq    *bus.DeadLetterPublisher
	handle BatchHandler
	cfg    RunnerConfig
	log    *zap.Logger
}

func NewRunner(sub bus.Subscriber, dlq *bus.DeadLetterPublisher, handle BatchHandler, cfg RunnerConfig, log *zap.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ErrorWait <= 0 {
		cfg.ErrorWait = time.Second
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 200 * time.Millisecond
	}
	return &Runner{
		sub:    sub,
		dlq:    dlq,
		handle: handle,
		cfg:    cfg,
		log:    log.Named("consumer").With(zap.String("topic", cfg.Topic), zap.String("group", cfg.Group)),
	}
}

// Run polls until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		n, err := r.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Warn("consume failed", zap.Error(err))
			r.wait(ctx, r.cfg.ErrorWait)
		case err == nil && n == 0:
			r.wait(ctx, r.cfg.IdleWait)
		}
	}
	return nil
}

func (r *Runner) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Poll fetches and applies one batch and reports how many records it took
// off the topic. A batch that keeps failing is split so only the records that
// fail on their own are dead-lettered. Everything fetched is acknowledged
// once it was applied or dead-lettered.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	msgs, err := r.sub.Fetch(ctx, r.cfg.Topic, r.cfg.Group, r.cfg.Consumer, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", r.cfg.Topic, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	attempts, err := r.cfg.Retry.Do(ctx, func() error {
		return r.handle(ctx, msgs)
	}, func(err error, next time.Duration) {
		r.log.Warn("batch failed, retrying", zap.Int("size", len(msgs)), zap.Duration("in", next), zap.Error(err))
	})
	if err != nil {
		if ctx.Err() != nil {
			// Left pending; the group redelivers it.
			return 0, ctx.Err()
		}
		r.isolate(ctx, msgs, attempts, err)
	}

	if err := r.sub.Ack(ctx, r.cfg.Group, msgs...); err != nil {
		return len(msgs), fmt.Errorf("ack %d records: %w", len(msgs), err)
	}
	return len(msgs), nil
}

// isolate retries each record of a failed batch once on its own and
// dead-letters the ones that still fail.
func (r *Runner) isolate(ctx context.Context, msgs []bus.Message, attempts int, batchErr error) {
	if len(msgs) == 1 {
		r.deadLetter(ctx, msgs[0], attempts, batchErr)
		return
	}
	for _, m := range msgs {
		if err := r.handle(ctx, []bus.Message{m}); err != nil {
			r.deadLetter(ctx, m, attempts+1, err)
		}
	}
}

func (r *Runner) deadLetter(ctx context.Context, m bus.Message, attempts int, cause error) {
	metrics.ConsumedEvents.WithLabelValues(r.cfg.Topic, "dead_lettered").Inc()
	if r.dlq == nil {
		r.log.Error("record dropped without dead-letter channel", zap.String("id", m.ID), zap.Error(cause))
		return
	}
	exhausted := &ExhaustedError{Attempts: attempts, Err: cause}
	// A failed dead-letter send is logged by the publisher and not retried.
	_ = r.dlq.PublishToDLQ(ctx, m, r.cfg.Group, exhausted, attempts)
}
