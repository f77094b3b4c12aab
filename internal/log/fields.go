// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldOccupantID    = "occupant_id"
	FieldSessionSeq    = "session_seq"
	FieldConnectionID  = "connection_id"
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"

	// Occupancy fields
	FieldOutcome   = "outcome"
	FieldCount     = "count"
	FieldMax       = "max"
	FieldDeadline  = "deadline"
	FieldScore     = "score"
	FieldEventKind = "kind"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTopic     = "topic"
)
