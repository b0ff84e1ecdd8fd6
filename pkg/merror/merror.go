// Package merror defines the stable, transport-independent error vocabulary
// used across the bridge core (spec.md §7). It is built directly on
// gomatrixserverlib/spec's MatrixError shape so that anything already
// speaking that vocabulary (HTTP handlers, the homeserver client) can
// errors.As into a single type, with the kinds spec.md needs that
// gomatrixserverlib does not carry layered on top as sibling sentinels.
package merror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Kind is the stable, transport-independent error vocabulary of spec.md §7.
type Kind string

const (
	Forbidden         Kind = "FORBIDDEN"
	NotFound          Kind = "NOT_FOUND"
	UserInUse         Kind = "USER_IN_USE"
	Exclusive         Kind = "EXCLUSIVE"
	RateLimited       Kind = "RATE_LIMITED"
	BadValue          Kind = "BAD_VALUE"
	UpstreamTimeout   Kind = "UPSTREAM_TIMEOUT"
	EventNotHandled   Kind = "EVENT_NOT_HANDLED"
	EventTooOld       Kind = "EVENT_TOO_OLD"
	ForeignNetwork    Kind = "FOREIGN_NETWORK_ERROR"
	EventUnknown      Kind = "EVENT_UNKNOWN"
	BridgeInternal    Kind = "BRIDGE_INTERNAL_ERROR"
	Dead              Kind = "DEAD"
)

// Error is a bridge-core error carrying both the stable Kind and, where it
// came from a homeserver response, the underlying spec.MatrixError.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Matrix     *spec.MatrixError
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, merror.New(merror.Forbidden, "")) style matching
// against a Kind value wrapped as an error via New.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs a bridge error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a bridge error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// FromHTTP classifies a homeserver HTTP response into a stable Kind,
// following the table in spec.md §7. body, if non-nil, is the decoded
// Matrix error body (errcode/error).
func FromHTTP(status int, body *spec.MatrixError) *Error {
	e := &Error{HTTPStatus: status, Matrix: body}
	var errcode spec.MatrixErrorCode
	if body != nil {
		errcode = body.ErrCode
		e.Message = body.Err
	}
	switch {
	case errcode == spec.ErrorForbidden || status == http.StatusForbidden:
		e.Kind = Forbidden
	case errcode == spec.ErrorNotFound || status == http.StatusNotFound:
		e.Kind = NotFound
	case errcode == spec.MatrixErrorCode("M_LIMIT_EXCEEDED") || status == http.StatusTooManyRequests:
		e.Kind = RateLimited
	case errcode == "M_USER_IN_USE":
		e.Kind = UserInUse
	case errcode == "M_EXCLUSIVE":
		e.Kind = Exclusive
	default:
		e.Kind = BridgeInternal
	}
	return e
}

// Is404or403 reports whether err is classified as NotFound or Forbidden,
// the non-retryable HTTP classes the Membership Queue (spec.md §4.2) treats
// as terminal regardless of remaining attempts.
func Is404or403(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == Forbidden || e.Kind == NotFound || e.HTTPStatus == http.StatusForbidden || e.HTTPStatus == http.StatusNotFound
}

// KindOf extracts the Kind of err, or "" if err is not a bridge error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
