// Package kv is the shared atomic key-value store used for node leases, the
// shared cache tier, stampede locks and invalidation broadcasts.
//
// Two adapters exist: Redis for multi-instance deployments and Memory for the
// single-node profile and tests. Coordination code only sees Store.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("kv: key not found")

// Store is the capability set of the shared store. Every mutation is a single
// atomic primitive on the backend.
type Store interface {
	// SetIfAbsent stores value under key with ttl only if the key is absent.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// ExtendIfOwner resets the ttl of key only while it still holds owner.
	ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// DeleteIfOwner removes key only while it still holds owner.
	DeleteIfOwner(ctx context.Context, key, owner string) (bool, error)
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live channel subscription. Messages stops being fed once
// Close is called or the subscribing context ends.
type Subscription interface {
	Messages() <-chan string
	Close() error
}
