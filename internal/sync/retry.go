package sync

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/njoerd114/apptsync/internal/errs"
)

// Backoff retries whole sync runs. The n-th wait (from zero) is Base·2ⁿ
// capped at Max, scaled by a random factor in [0.5, 1).
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used by the daemon engine.
var DefaultBackoff = Backoff{Attempts: 3, Base: time.Second, Max: 10 * time.Second}

// Do calls fn until it succeeds, returns an error that retryable rejects, or
// the attempts run out. The last error is wrapped in the latter case.
func (b Backoff) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := max(b.Attempts, 1)
	var last error
	for n := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
		if last = fn(); last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if n == attempts-1 {
			break
		}

		t := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, last)
}

// Delay returns the wait before attempt n+1.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Max
	if n < 63 && b.Base <= b.Max>>n {
		d = b.Base << n
	}
	if d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2))) //nolint:gosec // jitter does not need crypto/rand
}

// transientRun reports whether a failed run is worth repeating.
func transientRun(err error) bool {
	return errs.KindOf(err) == errs.KindTransient
}
