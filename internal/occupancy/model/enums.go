package model

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind discriminates visit log records.
type EventKind string

const (
	EventEntry EventKind = "ENTRY"
	EventExit  EventKind = "EXIT"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool { return k == EventEntry || k == EventExit }

// Tier is the membership class of an occupant.
type Tier string

const (
	TierPrivileged Tier = "privileged"
	TierRegular    Tier = "regular"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t == TierPrivileged || t == TierRegular }

// Status is the operational state of the space.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusClosed      Status = "CLOSED"
	StatusMaintenance Status = "MAINTENANCE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusMaintenance:
		return true
	}
	return false
}

// ParseHHMM validates a wall-clock boundary ("HH:MM") and returns its
// minute-of-day. Empty input is rejected; callers treat absent boundaries
// separately.
func ParseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return h*60 + m, nil
}
