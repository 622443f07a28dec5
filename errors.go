package pgtest

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fluxbase-eu/pgtest/internal/database"
	"github.com/fluxbase-eu/pgtest/internal/provision"
	"github.com/fluxbase-eu/pgtest/internal/scope"
	"github.com/fluxbase-eu/pgtest/internal/seed"
)

var (
	// ErrCardinality matches every *CardinalityError via errors.Is
	ErrCardinality = errors.New("unexpected number of rows")

	// ErrSuiteClosed is returned by clients of a suite that was torn down
	ErrSuiteClosed = errors.New("suite closed")

	// ErrScopeDiscipline matches every *ScopeDisciplineError via errors.Is
	ErrScopeDiscipline = scope.ErrScopeDiscipline
)

type (
	// ProvisioningError reports a failed database creation, migration or connection
	ProvisioningError = provision.Error

	// SeedError reports the seeder that aborted the suite
	SeedError = seed.Error

	// ScopeDisciplineError reports scopes used out of order or transaction control
	// issued by a test
	ScopeDisciplineError = scope.DisciplineError
)

// QueryError is a statement rejected by the server
type QueryError struct {
	SQL        string
	Code       string // SQLSTATE, empty for client-side failures
	Constraint string
	Err        error
}

func newQueryError(sql string, err error) *QueryError {
	return &QueryError{
		SQL:        database.TruncateQuery(sql, 200),
		Code:       database.GetErrorCode(err),
		Constraint: database.GetConstraintName(err),
		Err:        err,
	}
}

func (e *QueryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("query failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// PgError returns the server error, or nil
func (e *QueryError) PgError() *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr
	}
	return nil
}

// IsUniqueViolation reports a unique constraint violation
func (e *QueryError) IsUniqueViolation() bool {
	return database.IsUniqueViolation(e.Err)
}

// IsForeignKeyViolation reports a foreign key violation
func (e *QueryError) IsForeignKeyViolation() bool {
	return database.IsForeignKeyViolation(e.Err)
}

// IsCheckViolation reports a check constraint violation
func (e *QueryError) IsCheckViolation() bool {
	return database.IsCheckViolation(e.Err)
}

// IsInsufficientPrivilege reports a missing privilege, including row-level security
// WITH CHECK failures on INSERT and UPDATE
func (e *QueryError) IsInsufficientPrivilege() bool {
	return database.IsInsufficientPrivilege(e.Err)
}

// IsRLSViolation reports a write rejected by a row-level security policy
func (e *QueryError) IsRLSViolation() bool {
	return database.IsRLSViolation(e.Err)
}

// CardinalityError is returned by One when the result is not exactly one row.
// Rows filtered by row-level security surface here, never as a QueryError.
type CardinalityError struct {
	Count int
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("expected exactly one row, got %d", e.Count)
}

// Is makes errors.Is(err, ErrCardinality) true for every CardinalityError
func (e *CardinalityError) Is(target error) bool {
	return target == ErrCardinality
}

// StateError is returned when an operation is not allowed in the suite's state
type StateError struct {
	State State
	Op    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: suite is %s", e.Op, e.State)
}

// Is makes errors.Is(err, ErrSuiteClosed) true once the suite is torn down
func (e *StateError) Is(target error) bool {
	return target == ErrSuiteClosed && (e.State == StateClosed || e.State == StateTeardown)
}
