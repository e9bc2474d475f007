// Package errs classifies gateway failures so the HTTP edge can map them to
// status codes without knowing which component produced them.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the coarse category of a gateway error.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindInvalidInput        Kind = "invalid_input"
	KindConflict            Kind = "conflict"
	KindMappingNotFound     Kind = "mapping_not_found"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindProvisioning        Kind = "provisioning_failed"
)

// Unauthorized reasons.
const (
	ReasonMissing = "missing"
	ReasonInvalid = "invalid"
	ReasonDenied  = "denied"
)

// Error carries a Kind plus enough context for operators.
//
// Msg is safe to return to callers. Op names the operation (or saga step)
// that failed. Err is the wrapped cause and is only logged.
type Error struct {
	Kind    Kind
	Reason  string
	Msg     string
	Op      string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(" (" + e.Reason + ")")
	}
	if e.Msg != "" {
		b.WriteString(": " + e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Unauthorized builds a 401 error with one of the Reason* values.
func Unauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Reason: reason, Msg: "token " + reason}
}

// Forbidden builds a 403 error.
func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Msg: msg}
}

// InvalidInput builds a 400 error.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a 409 error.
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Msg: msg}
}

// MappingNotFound reports an organization that has no backend id yet.
func MappingNotFound(orgID, family string) *Error {
	return &Error{
		Kind: KindMappingNotFound,
		Msg:  fmt.Sprintf("organization %s is not provisioned for %s", orgID, family),
	}
}

// StoreUnavailable wraps a failed or timed out store call.
func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Msg: "backing store unavailable", Err: err}
}

// UpstreamUnavailable wraps a failed or timed out backend call.
func UpstreamUnavailable(op string, timeout bool, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Timeout: timeout, Msg: "upstream unavailable", Err: err}
}

// Provisioning tags a saga failure with the step that produced it.
func Provisioning(step string, err error) *Error {
	return &Error{Kind: KindProvisioning, Op: step, Msg: "organization provisioning failed at " + step, Err: err}
}

// KindOf returns the Kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an error to the status code returned to callers.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindMappingNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
