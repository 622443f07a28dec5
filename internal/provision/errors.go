package provision

import (
	"errors"
	"fmt"
)

var (
	// ErrReleased is returned when a released manager is used again
	ErrReleased = errors.New("database already released")

	// ErrAlreadyProvisioned is returned by a second Provision call
	ErrAlreadyProvisioned = errors.New("database already provisioned")
)

// Error reports the provisioning step that failed
type Error struct {
	Op       string // step, e.g. "create database"
	Database string // ephemeral database name, when known
	Err      error
}

func (e *Error) Error() string {
	if e.Database != "" {
		return fmt.Sprintf("provision %s (%s): %v", e.Op, e.Database, e.Err)
	}
	return fmt.Sprintf("provision %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
