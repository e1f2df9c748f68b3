package apperrors

import (
	"context"
	"errors"
	"net/http"
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed input, rejected before any store access.
	KindValidation
	// KindState: recoverable domain state (expired, already marked, ...).
	KindState
	// KindTransient: store or network unreachable; the user may retry.
	KindTransient
	// KindFatal: a write failed; the operation aborted without partial state.
	KindFatal
)

// Error is a sentinel carrying a machine code, a user-facing message and a kind.
type Error struct {
	Code    string
	Message string
	Kind    Kind
}

func (e *Error) Error() string { return e.Code }

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Code: code, Message: msg, Kind: kind}
}

// Validation errors
var (
	ErrInvalidFormat   = newErr(KindValidation, "invalid_format", "Please enter the 6-digit code.")
	ErrInvalidDuration = newErr(KindValidation, "invalid_duration", "Duration must be between 1 and 5 minutes.")
	ErrMissingField    = newErr(KindValidation, "missing_field", "A required field is missing.")
	ErrInvalidSession  = newErr(KindValidation, "invalid_session", "Your session is invalid. Please enter the code again.")
	ErrNoFace          = newErr(KindValidation, "no_face", "No face detected. Please retake the photo.")
)

// State errors
var (
	ErrInvalidCode        = newErr(KindState, "invalid_code", "Invalid attendance code.")
	ErrExpired            = newErr(KindState, "expired", "This code has expired. Please ask your teacher for a new code.")
	ErrNoActiveCodes      = newErr(KindState, "no_active_codes", "No active attendance codes available.")
	ErrAmbiguousCode      = newErr(KindState, "ambiguous_code", "This code matches more than one class. Please select your class.")
	ErrSuperseded         = newErr(KindState, "superseded", "This code has been replaced. Please ask your teacher for the new code.")
	ErrAlreadyMarked      = newErr(KindState, "already_marked", "You have already marked attendance for this class today.")
	ErrUnknownStudent     = newErr(KindState, "unknown_student", "Student data not found.")
	ErrUnknownClass       = newErr(KindState, "unknown_class", "Class not found.")
	ErrDeviceReused       = newErr(KindState, "device_reused", "This device has already been used to mark attendance today.")
	ErrCaptureMismatch    = newErr(KindState, "capture_mismatch", "Face capture is missing or belongs to another student.")
	ErrInvalidCredentials = newErr(KindState, "invalid_credentials", "Invalid password.")
)

// Infrastructure errors
var (
	ErrStoreUnavailable = newErr(KindTransient, "store_unavailable", "Network error. Please check your connection and try again.")
	ErrStoreFailure     = newErr(KindFatal, "store_error", "Failed to save. Please try again.")
	ErrCaptureFailed    = newErr(KindTransient, "capture_failed", "Face capture failed. Please try again.")
	ErrGrantFailed      = newErr(KindTransient, "grant_failed", "Could not enable network access. Please try again.")
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Code returns the machine code for err, or "server_error".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "server_error"
}

// CodeOrOK is Code for metric labels, with "ok" for a nil error.
func CodeOrOK(err error) string {
	if err == nil {
		return "ok"
	}
	return Code(err)
}

// Message returns the user-facing reason for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Something went wrong. Please try again."
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindState:
		if errors.Is(err, ErrAlreadyMarked) || errors.Is(err, ErrDeviceReused) {
			return http.StatusConflict
		}
		if errors.Is(err, ErrUnknownStudent) || errors.Is(err, ErrUnknownClass) {
			return http.StatusNotFound
		}
		if errors.Is(err, ErrInvalidCredentials) {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Store classifies a raw backend error: deadlines and cancellations become
// ErrStoreUnavailable, anything else becomes fallback. Errors already carrying
// a kind pass through unchanged.
func Store(err error, fallback *Error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wrapped{sentinel: ErrStoreUnavailable, cause: err}
	}
	return &wrapped{sentinel: fallback, cause: err}
}

type wrapped struct {
	sentinel *Error
	cause    error
}

func (w *wrapped) Error() string { return w.sentinel.Code + ": " + w.cause.Error() }

func (w *wrapped) Unwrap() []error { return []error{w.sentinel, w.cause} }
