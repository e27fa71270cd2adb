// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryableSQLStates are transient Postgres failures worth retrying:
// serialization failure, deadlock detected, lock not available.
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

// IsRetryable reports whether err is a transient conflict that a fresh
// attempt may resolve.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsStoreConflict(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLStates[pgErr.Code]
	}
	return false
}

// sleepWithContext waits d or until ctx is done, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryBackoff returns the wait before attempt n (0-based): linear ramp,
// capped.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 25 * time.Millisecond
	if d > 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}
