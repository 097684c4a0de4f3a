package errors

import (
	"errors"
	"fmt"
)

// Common error types shared by the adapters and the state engine
var (
	// Session errors
	ErrNoSession      = errors.New("no session")
	ErrSessionExpired = errors.New("session expired")

	// Token errors
	ErrMalformedToken = errors.New("malformed token")
	ErrMissingExpiry  = errors.New("token has no exp claim")
	ErrSubjectClash   = errors.New("token subject does not match user")

	// Broadcast errors
	ErrTransportUnavailable = errors.New("broadcast transport unavailable")
	ErrChannelClosed        = errors.New("broadcast channel closed")
	ErrPeerBacklogged       = errors.New("broadcast peer backlogged, message dropped")

	// Backend errors
	ErrUnexpectedResponse = errors.New("unexpected backend response")
	ErrMissingVerifier    = errors.New("no pending oauth verifier")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
