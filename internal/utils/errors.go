package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds, in increasing order of how much the caller can do about them.
// ValidationError and PolicyError mean the request must be fixed and
// resubmitted. BackendError covers the signer and the storage layer.
// StateError is deliberately not surfaced as a failure: ACME clients retry
// idempotently, so an out-of-state request is a logged no-op.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindPolicy
	KindBackend
	KindState
	KindAuthorization
)

var (
	ErrUnsortableName                 = &Error{Kind: KindValidation, Code: "unsortable-name", Message: "name contains attribute types outside the canonical order"}
	ErrNonConfigurableExtension       = &Error{Kind: KindPolicy, Code: "non-configurable-extension", Message: "extension cannot be set when creating a certificate"}
	ErrUnparsableCommonName           = &Error{Kind: KindPolicy, Code: "unparsable-common-name", Message: "subject alternative name entry cannot be used as common name"}
	ErrMissingSubjectIdentity         = &Error{Kind: KindPolicy, Code: "missing-subject-identity", Message: "must name at least a common name or a subject alternative name"}
	ErrExpiryExceedsIssuer            = &Error{Kind: KindPolicy, Code: "expiry-exceeds-issuer", Message: "certificate would expire after the issuing CA"}
	ErrUnsupportedPublicKeyType       = &Error{Kind: KindPolicy, Code: "unsupported-public-key-type", Message: "public key type is not supported"}
	ErrAlgorithmNotApplicable         = &Error{Kind: KindPolicy, Code: "algorithm-not-applicable", Message: "signature hash must not be given for this key type"}
	ErrUnsupportedAlgorithmForKeyType = &Error{Kind: KindPolicy, Code: "unsupported-algorithm", Message: "signature hash is not supported for this key type"}
	ErrCAUnusable                     = &Error{Kind: KindAuthorization, Code: "ca-unusable", Message: "certificate authority is disabled, revoked or expired"}
	ErrAccountUnusable                = &Error{Kind: KindAuthorization, Code: "account-unusable", Message: "ACME account is not usable"}
	ErrSerialCollision                = &Error{Kind: KindBackend, Code: "serial-collision", Message: "generated serial already exists, retry with a fresh serial"}
	ErrSigningBackend                 = &Error{Kind: KindBackend, Code: "signing-backend", Message: "signing backend failed"}
	ErrUnsupportedOperation           = &Error{Kind: KindBackend, Code: "unsupported-operation", Message: "operation is not supported by this key backend"}
	ErrStateConflict                  = &Error{Kind: KindState, Code: "state-conflict", Message: "entity changed state concurrently"}
	ErrMalformed                      = &Error{Kind: KindValidation, Code: "malformed", Message: "request is malformed"}
	ErrNotFound                       = &Error{Kind: KindValidation, Code: "not-found", Message: "entity not found"}
)

type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Field   string
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so that wrapped instances compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// WithField returns a copy naming the offending input field.
func (e *Error) WithField(field string) *Error {
	clone := *e
	clone.Field = field
	return &clone
}

// WithCause returns a copy wrapping the underlying error.
func (e *Error) WithCause(cause error) *Error {
	clone := *e
	clone.cause = cause
	return &clone
}

// Retryable reports whether the caller may safely retry the operation.
// Only serial collisions are: a fresh random serial resolves them.
// Signing backend failures are not, since a partial HSM operation may
// have had side effects.
func Retryable(err error) bool {
	return errors.Is(err, ErrSerialCollision)
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.Code, e.Message)
}

func NewAPIError(code int, message string, details ...string) *APIError {
	err := &APIError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func BadRequestError(message string, details ...string) *APIError {
	return NewAPIError(http.StatusBadRequest, message, details...)
}

func UnauthorizedError(message string, details ...string) *APIError {
	return NewAPIError(http.StatusUnauthorized, message, details...)
}

func NotFoundError(message string, details ...string) *APIError {
	return NewAPIError(http.StatusNotFound, message, details...)
}

func InternalServerError(message string, details ...string) *APIError {
	return NewAPIError(http.StatusInternalServerError, message, details...)
}

// HTTPStatus maps the error taxonomy onto the admin API surface.
func HTTPStatus(err error) int {
	var coreErr *Error
	if !errors.As(err, &coreErr) {
		return http.StatusInternalServerError
	}
	if coreErr.Code == ErrNotFound.Code {
		return http.StatusNotFound
	}
	switch coreErr.Kind {
	case KindValidation, KindPolicy:
		return http.StatusBadRequest
	case KindState:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
