// Package apperr defines the error taxonomy shared by the receipt pipeline and
// its HTTP surface. Services return these (wrapped) so controllers can pick a
// status code without inspecting infrastructure errors.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for facts about resources and requests.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrImageTooLarge    = errors.New("image too large")
	ErrInvalidPage      = errors.New("page must be >= 1")
)

// ValidationError is a user-correctable input problem. Its message is surfaced verbatim.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// EmptyReceiptError reports that no usable line items were extracted.
type EmptyReceiptError struct {
	Dropped int
}

func (e *EmptyReceiptError) Error() string {
	if e.Dropped > 0 {
		return fmt.Sprintf("no usable line items extracted (%d fragments dropped)", e.Dropped)
	}
	return "no usable line items extracted"
}

// CollaboratorUnavailableError wraps a failure of the OCR engine or the emissions estimator.
type CollaboratorUnavailableError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a CollaboratorUnavailableError.
func Unavailable(collaborator string, err error) *CollaboratorUnavailableError {
	return &CollaboratorUnavailableError{Collaborator: collaborator, Err: err}
}

// PersistenceError reports a failed (and rolled back) database operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError for op. A nil err yields nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// GamificationEvaluationError is non-fatal: it is logged, never returned to the uploader.
type GamificationEvaluationError struct {
	UserID    uint
	ReceiptID uint
	Err       error
}

func (e *GamificationEvaluationError) Error() string {
	return fmt.Sprintf("gamification evaluation failed (user=%d receipt=%d): %v", e.UserID, e.ReceiptID, e.Err)
}

func (e *GamificationEvaluationError) Unwrap() error { return e.Err }

// HTTPStatus maps an error from the pipeline to the status code returned to clients.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ee *EmptyReceiptError
		ce *CollaboratorUnavailableError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve), errors.As(err, &ee),
		errors.Is(err, ErrUnsupportedImage), errors.Is(err, ErrInvalidPage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client. Client-facing errors are
// precise; infrastructure failures are reported generically.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge:
		return err.Error()
	case http.StatusServiceUnavailable:
		return "receipt processing service temporarily unavailable"
	default:
		return "internal error"
	}
}
