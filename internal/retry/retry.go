// Package retry holds the one retry policy shared by the RPC transport and
// the transaction confirmation waiter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/unreal-ai/unreal-console/internal/config"
)

// Policy describes how many times to retry and how long to wait in between.
// With Multiplier <= 1 the delay is fixed at Initial.
type Policy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Transport is the fixed-delay policy for RPC requests: 3 retries, 1s apart.
func Transport() Policy {
	return Policy{MaxRetries: 3, Initial: time.Second, Max: time.Second, Multiplier: 1}
}

// Confirmation is the exponential policy for receipt polling: 1s, 2s, 4s.
func Confirmation() Policy {
	return Policy{MaxRetries: 3, Initial: time.Second, Max: 4 * time.Second, Multiplier: 2}
}

// FromConfig builds the confirmation policy from config.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{MaxRetries: c.MaxRetries, Initial: c.Initial, Max: c.Max, Multiplier: c.Multiplier}
}

// Fixed returns p with a constant delay of p.Initial.
func (p Policy) Fixed() Policy {
	p.Multiplier = 1
	p.Max = p.Initial
	return p
}

// Delay returns the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Initial
	if p.Multiplier > 1 {
		d = time.Duration(float64(p.Initial) * math.Pow(p.Multiplier, float64(n-1)))
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, the retries run
// out, or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}

		t := time.NewTimer(p.Delay(attempt + 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}
