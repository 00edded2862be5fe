// Package errors defines the gateway's error taxonomy. Callers compare
// with errors.Is against the sentinels below; descriptions meant for
// OAuth clients travel in an *Error wrapper.
package errors

import (
	"errors"
	"fmt"
)

// Operator and backend errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrRateLimited        = errors.New("too many attempts")
)

// OAuth errors. The messages are the RFC 6749 error codes.
var (
	ErrInvalidClient        = errors.New("invalid_client")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	ErrAccessDenied         = errors.New("access_denied")
	ErrLoginRequired        = errors.New("login_required")
	ErrRegistryFull         = errors.New("client registry full")
)

// Protocol errors.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnresolvable    = errors.New("no backend credentials available")
	ErrSessionNotFound = errors.New("session not found")
)

// Error attaches a human readable description to one of the sentinels.
type Error struct {
	Kind        error
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Kind.Error()
	}

	return e.Kind.Error() + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Kind }

// Describe wraps kind with a formatted description.
func Describe(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Description returns the description attached by Describe, or the
// error text when there is none.
func Description(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Description != "" {
		return e.Description
	}

	return err.Error()
}

// OAuthCode maps err to an RFC 6749 error code. Anything unrecognised
// is reported as server_error.
func OAuthCode(err error) string {
	for _, kind := range []error{
		ErrInvalidClient,
		ErrInvalidGrant,
		ErrInvalidRequest,
		ErrUnsupportedGrantType,
		ErrAccessDenied,
		ErrLoginRequired,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}

	return "server_error"
}
