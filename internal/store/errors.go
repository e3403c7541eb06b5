package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/farant/smaragda-sub003/internal/kerrors"
)

// wrapDBError wraps a database error with operation context, translating
// sql.ErrNoRows into the kernel's NotFound sentinel for consistent
// handling by callers above the store boundary.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return kerrors.Wrap(op, kerrors.ErrNotFound, "")
	}
	return fmt.Errorf("%s: %w: %v", op, kerrors.ErrStorage, err)
}

// isUniqueConstraint reports whether err is a SQLite UNIQUE constraint
// violation, used to detect the origin-key idempotency race on append.
func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations via error text;
	// there is no typed sentinel exported for this driver.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
