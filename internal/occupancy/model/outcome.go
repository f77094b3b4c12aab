package model

// OutcomeKind classifies the result of a scan.
type OutcomeKind string

// All values are lowercase for stable metric labels.
const (
	OutcomeAdmitted               OutcomeKind = "admitted"
	OutcomeExited                 OutcomeKind = "exited"
	OutcomeRejectedClosed         OutcomeKind = "rejected_closed"
	OutcomeRejectedFull           OutcomeKind = "rejected_full_unremovable"
	OutcomeInvalidToken           OutcomeKind = "invalid_token"
	OutcomePersistenceUnavailable OutcomeKind = "persistence_unavailable"
)

// ScanOutcome is the result of one handle-scan operation.
type ScanOutcome struct {
	Kind OutcomeKind
	// Session is set for admitted and exited outcomes.
	Session *Session
	// Evicted is the session force-closed to make room, when one was.
	Evicted *Session
	// StatusMessage carries the operator message for rejected_closed.
	StatusMessage string
}
