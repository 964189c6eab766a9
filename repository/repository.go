// Package repository holds what the PostgreSQL backed stores share regardless
// of the driver they are built on.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ClaimTxTimeout bounds every claim transaction.
const ClaimTxTimeout = 5 * time.Second

// SQLSTATE codes raised when concurrent claimers get in each other's way.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
	lockNotAvailable     = "55P03"
)

// IsContention reports whether err is a transient conflict between concurrent
// transactions, including a claim transaction running out of time.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailure, deadlockDetected, lockNotAvailable:
			return true
		}
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)
}

// NullString maps the empty string to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NullJSON maps a nil document to SQL NULL.
func NullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
