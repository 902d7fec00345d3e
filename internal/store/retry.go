package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/buildcrew/foreman/internal/models"
)

// RetryWithBackoff wraps an operation with exponential backoff, retrying on
// transient lock errors from either backend. Domain errors (conflicts,
// not-found, authority failures) are never retried.
func RetryWithBackoff(operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if isRetryableError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// isRetryableError reports whether err is transient contention.
//
// SQLite detection relies on modernc.org/sqlite error strings (baseline
// v1.45+). MySQL detection matches deadlock (1213) and lock-wait timeout
// (1205) messages from go-sql-driver.
func isRetryableError(err error) bool {
	if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrForbidden) || errors.Is(err, models.ErrUnprocessableStatus) {
		return false
	}

	errStr := err.Error()
	if strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") {
		return true
	}
	if strings.Contains(errStr, "Deadlock found") ||
		strings.Contains(errStr, "Lock wait timeout") {
		return true
	}
	return false
}

// storageFault wraps an unexpected backend failure so the boundary 5xxes it.
func storageFault(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorageFault, op, err)
}
