package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Profile describes an exponential backoff curve with +/-20% jitter:
// min(Cap, Base * Factor^attempt * jitter).
type Profile struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

var (
	// SingleShot paces retries of one backend call.
	SingleShot = Profile{Base: 800 * time.Millisecond, Factor: 2.0, Cap: 30 * time.Second}
	// PerCandidate paces retries inside batch work where many calls share a deadline.
	PerCandidate = Profile{Base: 1500 * time.Millisecond, Factor: 2.0, Cap: 6 * time.Second}
)

func jitter() float64 {
	return 0.8 + 0.4*rand.Float64()
}

// Delay returns the wait before retry number attempt (zero based).
func (p Profile) Delay(attempt int) time.Duration {
	return p.delay(attempt, jitter())
}

func (p Profile) delay(attempt int, j float64) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.Base) * math.Pow(factor, float64(attempt)) * j
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// NewBackOff returns a fresh schedule over p for use with backoff.Retry.
func (p Profile) NewBackOff() *Schedule {
	return &Schedule{profile: p}
}

// Schedule implements backoff.BackOff.
type Schedule struct {
	profile Profile
	attempt int
}

var _ backoff.BackOff = (*Schedule)(nil)

func (s *Schedule) NextBackOff() time.Duration {
	d := s.profile.Delay(s.attempt)
	s.attempt++
	return d
}

func (s *Schedule) Reset() {
	s.attempt = 0
}

// Policy bounds a retried call.
type Policy struct {
	Profile Profile
	// Retries is the number of re-attempts after the first call.
	Retries int
	Notify  func(err error, next time.Duration)
}

// Do runs op until it succeeds, fails with a non-transient error, runs out
// of retries or ctx is done. The returned error is the last one op produced.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.Profile.NewBackOff()),
		backoff.WithMaxTries(uint(retries + 1)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
