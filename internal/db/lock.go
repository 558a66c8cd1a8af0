package db

import (
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrFailedToLock is returned when SELECT ... FOR UPDATE NOWAIT could not
// acquire the row lock. Callers decide their own retry policy.
var ErrFailedToLock = errors.New("db: failed to lock row")

// lockDenied matches the driver errors MySQL (3572/1205) and SQLite (busy)
// produce when NOWAIT loses.
func lockDenied(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NOWAIT is set") ||
		strings.Contains(msg, "Lock wait timeout") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// LockNowait loads dest under SELECT ... FOR UPDATE NOWAIT inside the given
// transaction, translating lock denial into ErrFailedToLock. SQLite has no
// row locks; its database-level write lock already serialises claimers and
// surfaces as a busy error, which lockDenied covers.
func LockNowait(tx *gorm.DB, dest interface{}, query interface{}, args ...interface{}) error {
	if tx.Dialector.Name() != "sqlite" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	}
	err := tx.Where(query, args...).First(dest).Error
	if lockDenied(err) {
		return ErrFailedToLock
	}
	return err
}

// RetryLocked runs fn, retrying with exponential backoff while it reports
// ErrFailedToLock or a serialization rollback. Other errors end the retry
// immediately.
func RetryLocked(fn func() error, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := fn()
		if errors.Is(err, ErrFailedToLock) || isRollback(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}

// isRollback matches deadlock and serialization failures that the enclosing
// operation should retry.
func isRollback(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Deadlock found") ||
		strings.Contains(msg, "try restarting transaction")
}
