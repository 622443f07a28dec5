package scope

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeDiscipline matches every *DisciplineError via errors.Is
	ErrScopeDiscipline = errors.New("scope discipline violation")

	// ErrConnectionLost is returned when the connection went away under an open scope
	ErrConnectionLost = errors.New("connection lost")
)

// Reason classifies a discipline violation
type Reason string

const (
	ReasonNoOpenScope        Reason = "no open scope"
	ReasonNotInnermost       Reason = "not innermost"
	ReasonAlreadyClosed      Reason = "already closed"
	ReasonTransactionEnded   Reason = "transaction ended"
	ReasonSavepointLost      Reason = "savepoint lost"
	ReasonTransactionControl Reason = "transaction control"
	ReasonAbortedTransaction Reason = "aborted transaction"
)

// DisciplineError reports a scope used out of LIFO order, or transaction
// control issued by a test inside a harness-managed scope.
type DisciplineError struct {
	Reason Reason
	Depth  int    // number of open scopes when the violation was detected
	Detail string // statement kind or label, when relevant
}

func (e *DisciplineError) Error() string {
	msg := fmt.Sprintf("scope discipline: %s (depth %d)", e.Reason, e.Depth)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is makes errors.Is(err, ErrScopeDiscipline) true for every DisciplineError
func (e *DisciplineError) Is(target error) bool {
	return target == ErrScopeDiscipline
}

func violation(reason Reason, depth int, detail string) *DisciplineError {
	return &DisciplineError{Reason: reason, Depth: depth, Detail: detail}
}
