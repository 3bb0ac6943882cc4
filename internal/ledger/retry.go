package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"pieceflow-backend/internal/apperr"
)

// errVersionConflict signals a lost compare-and-set on a record version.
var errVersionConflict = errors.New("record version changed")

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

func isConflict(err error) bool {
	if errors.Is(err, errVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// aynı request_id veya aynı anahtar için eşzamanlı ilk kayıt: tekrar denemede replay/güncelleme yoluna düşer
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgUniqueViolation:
			return true
		}
	}
	// sqlite yerel modu
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// inTx runs fn in a transaction and retries it on conflicts. Validation
// errors returned by fn abort immediately.
func (l *Ledger) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	attempts := l.cfg.MaxRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := l.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
		l.log.Debug("ledger conflict, retrying", "attempt", i+1, "error", err)

		backoff := time.Duration(i+1) * l.cfg.RetryBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	l.log.Warn("ledger conflict retries exhausted", "attempts", attempts, "error", lastErr)
	return apperr.Wrap(apperr.CodeConcurrentConflict, lastErr, "concurrent update, gave up after %d attempts", attempts).
		With("attempts", attempts)
}
