package cache

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"urlshortener/internal/kv"
	"urlshortener/internal/metrics"
)

type notification struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
}

// InvalidationBus broadcasts changed keys (never values) to every instance.
type InvalidationBus struct {
	store      kv.Store
	channel    string
	instanceID string
	log        *zap.Logger
}

func NewInvalidationBus(store kv.Store, channel, instanceID string, log *zap.Logger) *InvalidationBus {
	return &InvalidationBus{store: store, channel: channel, instanceID: instanceID, log: log.Named("invalidation")}
}

// Publish announces that key changed on this instance.
func (b *InvalidationBus) Publish(ctx context.Context, key string) error {
	msg, err := sonic.MarshalString(notification{Origin: b.instanceID, Key: key})
	if err != nil {
		return err
	}
	if err := b.store.Publish(ctx, b.channel, msg); err != nil {
		metrics.CacheDegraded.WithLabelValues("publish").Inc()
		return fmt.Errorf("%w: publish %s: %v", ErrBackendDegraded, key, err)
	}
	return nil
}

// Start subscribes and then feeds notifications from other instances to
// onNotification in the background until ctx is done. The returned channel is
// closed when the listener stops. Notifications this instance published are
// skipped.
func (b *InvalidationBus) Start(ctx context.Context, onNotification func(ctx context.Context, key string)) (<-chan struct{}, error) {
	sub, err := b.store.Subscribe(ctx, b.channel)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrBackendDegraded, b.channel, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub.Messages():
				if !ok {
					return
				}
				var n notification
				if err := sonic.UnmarshalString(raw, &n); err != nil {
					b.log.Warn("dropping malformed notification", zap.String("raw", raw), zap.Error(err))
					continue
				}
				if n.Origin == b.instanceID {
					continue
				}
				onNotification(ctx, n.Key)
			}
		}
	}()
	return done, nil
}
