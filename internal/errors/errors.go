// Package errors defines the service error taxonomy shared by the gateway
// and the enclave. Every failure surfaced over HTTP is a ServiceError; the
// Kind fixes the status code so handlers never pick statuses ad hoc.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a service failure.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindNotYetResolved  Kind = "not-yet-resolved"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not-found"
	KindConflict        Kind = "conflict"
	KindGone            Kind = "gone"
	KindRateLimited     Kind = "rate-limited"
	KindUpstream        Kind = "upstream"
	KindNotImplemented  Kind = "not-implemented"
	KindInternal        Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindUnauthenticated: http.StatusUnauthorized,
	KindNotYetResolved:  http.StatusAccepted,
	KindForbidden:       http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindGone:            http.StatusGone,
	KindRateLimited:     http.StatusTooManyRequests,
	KindUpstream:        http.StatusBadGateway,
	KindNotImplemented:  http.StatusNotImplemented,
	KindInternal:        http.StatusInternalServerError,
}

// ServiceError carries a classified failure across layer boundaries.
type ServiceError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair for diagnostics and returns the
// error for chaining. Details end up in the JSON error body.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, message string, err error) *ServiceError {
	return &ServiceError{
		Kind:       kind,
		Message:    message,
		HTTPStatus: kindStatus[kind],
		Err:        err,
	}
}

// Validation reports a malformed request.
func Validation(message string) *ServiceError {
	return newError(KindValidation, message, nil)
}

// InvalidFormat reports a specific field failing schema validation.
func InvalidFormat(field, reason string) *ServiceError {
	return Validation("invalid " + field).WithDetails("field", field).WithDetails("reason", reason)
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(message string) *ServiceError {
	return newError(KindUnauthenticated, message, nil)
}

// InvalidToken reports a token that failed signature or expiry checks.
func InvalidToken(err error) *ServiceError {
	return newError(KindUnauthenticated, "invalid token", err)
}

// NotYetResolved reports a challenge awaiting its out-of-band confirmation.
func NotYetResolved(message string) *ServiceError {
	return newError(KindNotYetResolved, message, nil)
}

// Forbidden reports an authenticated caller lacking rights for the resource.
func Forbidden(message string) *ServiceError {
	return newError(KindForbidden, message, nil)
}

// NotFound reports an unknown resource.
func NotFound(message string) *ServiceError {
	return newError(KindNotFound, message, nil)
}

// Conflict reports a state collision such as a replay or a duplicate.
func Conflict(message string) *ServiceError {
	return newError(KindConflict, message, nil)
}

// Gone reports a resource past its expiry.
func Gone(message string) *ServiceError {
	return newError(KindGone, message, nil)
}

// RateLimited reports a sliding-window admission rejection.
func RateLimited(message string) *ServiceError {
	return newError(KindRateLimited, message, nil)
}

// Upstream reports an enclave failure the gateway cannot recover locally.
func Upstream(message string, err error) *ServiceError {
	return newError(KindUpstream, message, err)
}

// NotImplemented reports a route whose collaborator is not configured.
func NotImplemented(message string) *ServiceError {
	return newError(KindNotImplemented, message, nil)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return newError(KindInternal, message, err)
}

// GetServiceError extracts a ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// KindOf classifies err, defaulting to internal for unclassified errors.
func KindOf(err error) Kind {
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	return KindInternal
}

// HTTPStatus returns the status code for err per the taxonomy.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		if se.HTTPStatus != 0 {
			return se.HTTPStatus
		}
		return kindStatus[se.Kind]
	}
	return http.StatusInternalServerError
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }
