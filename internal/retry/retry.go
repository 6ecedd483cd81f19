// Package retry holds the bounded exponential backoff shared by the outbox
// relay and the event consumers.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is a capped exponential schedule with a total time budget.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxElapsed time.Duration
}

// Default is 200ms doubling up to 10s, for at most a minute.
var Default = Policy{
	Base:       200 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   10 * time.Second,
	MaxElapsed: time.Minute,
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = Default.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = Default.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = Default.MaxDelay
	}
	return p
}

// Delay is the wait before retry number attempt (1-based), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether work first tried at firstTry has used up the
// time budget at now.
func (p Policy) Exhausted(firstTry, now time.Time) bool {
	return p.MaxElapsed > 0 && now.Sub(firstTry) >= p.MaxElapsed
}

// Do runs op until it succeeds, returns a backoff.Permanent error, ctx ends or
// the budget runs out. It returns the number of attempts made and the last
// error.
func (p Policy) Do(ctx context.Context, op func() error, notify func(err error, next time.Duration)) (int, error) {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay

	attempts := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, op()
	}, opts...)
	return attempts, err
}
