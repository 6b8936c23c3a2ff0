package ingestion

import (
	"errors"
	"fmt"
)

// Reason is the closed set of row rejection codes written to the quarantine
// file and counted in the run report.
type Reason string

// Decode reasons.
const (
	ReasonMalformedRow      Reason = "malformed_row"
	ReasonColumnCount       Reason = "column_count_mismatch"
	ReasonInvalidUniqueKey  Reason = "invalid_unique_key"
	ReasonInvalidCreatedAt  Reason = "invalid_created_date"
	ReasonInvalidClosedAt   Reason = "invalid_closed_date"
	ReasonInvalidCoordinate Reason = "invalid_coordinate"
	ReasonInvalidEncoding   Reason = "invalid_encoding"
)

// Validation reasons.
const (
	ReasonMissingUniqueKey     Reason = "missing_unique_key"
	ReasonMissingCreatedAt     Reason = "missing_created_date"
	ReasonMissingComplaintType Reason = "missing_complaint_type"
	ReasonInvalidBorough       Reason = "invalid_borough"
	ReasonUnpairedCoordinates  Reason = "unpaired_coordinates"
	ReasonOutOfBounds          Reason = "coordinates_out_of_bounds"
	ReasonClosedBeforeCreated  Reason = "closed_before_created"
)

// ErrRowRejected is the sentinel wrapped by every RowError.
var ErrRowRejected = errors.New("row rejected")

// RowError is a row-level decode or validation failure. It never aborts a run.
type RowError struct {
	Reason Reason
	Detail string
}

// Reasons lists every code in reporting order.
func Reasons() []Reason {
	return []Reason{
		ReasonMalformedRow,
		ReasonColumnCount,
		ReasonInvalidUniqueKey,
		ReasonInvalidCreatedAt,
		ReasonInvalidClosedAt,
		ReasonInvalidCoordinate,
		ReasonInvalidEncoding,
		ReasonMissingUniqueKey,
		ReasonMissingCreatedAt,
		ReasonMissingComplaintType,
		ReasonInvalidBorough,
		ReasonUnpairedCoordinates,
		ReasonOutOfBounds,
		ReasonClosedBeforeCreated,
	}
}

// IsDecode reports whether r is produced by the decoder rather than the validator.
func (r Reason) IsDecode() bool {
	switch r {
	case ReasonMalformedRow, ReasonColumnCount, ReasonInvalidUniqueKey,
		ReasonInvalidCreatedAt, ReasonInvalidClosedAt, ReasonInvalidCoordinate,
		ReasonInvalidEncoding:
		return true
	default:
		return false
	}
}

func (e *RowError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrRowRejected, e.Reason)
	}

	return fmt.Sprintf("%s: %s: %s", ErrRowRejected, e.Reason, e.Detail)
}

func (e *RowError) Unwrap() error {
	return ErrRowRejected
}

func reject(reason Reason, format string, args ...any) *RowError {
	return &RowError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
