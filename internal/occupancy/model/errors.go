package model

import "errors"

// Domain error kinds. The admission controller maps these onto scan outcomes
// and the API layer maps them onto problem responses.
var (
	// ErrInvalidToken marks a scan token that resolves to no occupant.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAlreadyInside and ErrNotInside are registry invariants. The
	// admission controller avoids them by determining the scan kind inside
	// the same critical section; seeing one is a logic error.
	ErrAlreadyInside = errors.New("occupant already inside")
	ErrNotInside     = errors.New("occupant not inside")

	// ErrOutOfRange marks configuration values outside documented bounds.
	ErrOutOfRange = errors.New("value out of range")

	// ErrPersistenceUnavailable is returned when the store has been failing
	// for longer than the configured threshold; scans fail fast and leave
	// all state unchanged.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// Input validation.
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTimeFormat = errors.New("invalid time format, want HH:MM")
)
