package seed

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyApplied is returned by Pipeline.Apply after the first call
	ErrAlreadyApplied = errors.New("seed pipeline already applied")

	// ErrInvalidPlan is returned for plans with duplicates, unknown requirements or cycles
	ErrInvalidPlan = errors.New("invalid seed plan")
)

// Error reports the seeder that aborted a pipeline
type Error struct {
	Index  int    // position of the seeder in the pipeline
	Seeder string // seeder name
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("seed %d (%s) failed: %v", e.Index, e.Seeder, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
