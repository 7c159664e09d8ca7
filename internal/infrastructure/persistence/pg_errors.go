package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes that mean a concurrent writer won the race
const (
	pgUniqueViolation      = "23505"
	pgExclusionViolation   = "23P01"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// isRetryablePgError reports whether err is a constraint or concurrency failure worth retrying
func isRetryablePgError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgUniqueViolation, pgExclusionViolation, pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

// translatePolicyWriteError maps race-induced database errors on a scope key to a retryable conflict
func translatePolicyWriteError(err error, key entitlement.ScopeKey) error {
	if err == nil || !isRetryablePgError(err) {
		return err
	}
	return &entitlement.ConcurrentPolicyEditConflict{Key: key, Retryable: true, Cause: err}
}
