// Package domain holds the error taxonomy shared by the segmentation,
// dispatch, and analytics layers. The API layer maps these onto HTTP
// problem responses; nothing below the API layer knows about status codes.
package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed request: a bad condition tree, an
// unknown attribute, an operator incompatible with the attribute type, or
// a missing campaign field. Field carries the offending field or attribute
// name so callers can surface field-level detail.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Detail)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Detail)
}

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an absent or soft-deleted entity.
type NotFoundError struct {
	Kind string // "segment", "campaign", "merchant", "subscriber"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StateConflictError reports a well-formed request against an entity in the
// wrong state, e.g. sending a campaign that is already sending, or
// cancelling one mid-flight.
type StateConflictError struct {
	Kind    string
	ID      string
	Current string
	Wanted  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s is %s, expected %s", e.Kind, e.ID, e.Current, e.Wanted)
}

// StateConflict builds a StateConflictError.
func StateConflict(kind, id, current, wanted string) *StateConflictError {
	return &StateConflictError{Kind: kind, ID: id, Current: current, Wanted: wanted}
}

// ErrTransport marks a per-batch delivery failure. It is recorded per
// recipient and folded into failedCount, never escalated to abort a send.
var ErrTransport = errors.New("transport failure")

// DispatchFailedError reports that a send aborted before any batch went
// out (audience resolution or the initial state transition failed after
// retries). The campaign is left in its prior status.
type DispatchFailedError struct {
	CampaignID string
	Err        error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatch failed for campaign %s: %v", e.CampaignID, e.Err)
}

func (e *DispatchFailedError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStateConflict reports whether err is (or wraps) a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}
