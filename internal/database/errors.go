package database

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// asPgError unwraps the server error carried by err, if any
func asPgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	ok := errors.As(err, &pgErr)
	return pgErr, ok
}

func hasCode(err error, code string) bool {
	pgErr, ok := asPgError(err)
	return ok && pgErr.Code == code
}

// IsUniqueViolation reports SQLSTATE 23505
func IsUniqueViolation(err error) bool { return hasCode(err, pgerrcode.UniqueViolation) }

// IsForeignKeyViolation reports SQLSTATE 23503
func IsForeignKeyViolation(err error) bool { return hasCode(err, pgerrcode.ForeignKeyViolation) }

// IsCheckViolation reports SQLSTATE 23514
func IsCheckViolation(err error) bool { return hasCode(err, pgerrcode.CheckViolation) }

// IsDuplicateObject reports an existing role or other object (42710)
func IsDuplicateObject(err error) bool { return hasCode(err, pgerrcode.DuplicateObject) }

// IsInvalidSavepoint reports a savepoint that no longer exists (3B001)
func IsInvalidSavepoint(err error) bool {
	return hasCode(err, pgerrcode.InvalidSavepointSpecification)
}

// IsInsufficientPrivilege reports SQLSTATE 42501. Postgres raises it both for
// missing grants and for rows rejected by a WITH CHECK policy.
func IsInsufficientPrivilege(err error) bool {
	return hasCode(err, pgerrcode.InsufficientPrivilege)
}

// IsRLSViolation narrows IsInsufficientPrivilege to row-level security rejections
func IsRLSViolation(err error) bool {
	pgErr, ok := asPgError(err)
	return ok && pgErr.Code == pgerrcode.InsufficientPrivilege &&
		strings.Contains(pgErr.Message, "row-level security")
}

// IsPermanentConnectError reports connection failures retrying will not fix:
// rejected credentials, a missing database or a finished context.
func IsPermanentConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	pgErr, ok := asPgError(err)
	if !ok {
		return false
	}
	return pgerrcode.IsInvalidAuthorizationSpecification(pgErr.Code) ||
		pgErr.Code == pgerrcode.InvalidCatalogName
}

// GetConstraintName returns the violated constraint, or "" when err carries none
func GetConstraintName(err error) string {
	if pgErr, ok := asPgError(err); ok {
		return pgErr.ConstraintName
	}
	return ""
}

// GetErrorCode returns the SQLSTATE of err, or "" for errors not raised by the server
func GetErrorCode(err error) string {
	if pgErr, ok := asPgError(err); ok {
		return pgErr.Code
	}
	return ""
}
