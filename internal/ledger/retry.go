package ledger

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

const (
	maxRetries = 3
	retryDelay = 100 * time.Millisecond
)

// withRetry re-runs fn when it fails with domain.ErrConflict, which the
// repository raises for serialization failures and deadlocks. Any other
// error returns immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if attempt == maxRetries {
			break
		}

		delay := retryDelay + time.Duration(rand.Int63n(int64(retryDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
