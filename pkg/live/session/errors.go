package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInitInProgress   = errors.New("session: initialize already in progress")
	ErrNotConnected     = errors.New("session: not connected")
	ErrEmptyText        = errors.New("session: text is empty")
	ErrInvalidVerbosity = errors.New("session: invalid verbosity")
)

// AuthError means the backend rejected the credential. It is never retried.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransportError is a network or provider failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ReplayError is a failure to resend conversation context after a reconnect.
type ReplayError struct {
	Err error
}

func (e *ReplayError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("replay history: %v", e.Err)
}

func (e *ReplayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var authPhrases = []string{
	"invalid api key",
	"api key not valid",
	"api_key_invalid",
	"invalid_api_key",
	"incorrect api key",
	"invalid x-api-key",
	"unauthorized",
	"unauthenticated",
	"authentication failed",
	"authentication_error",
	"permission denied",
	"permission_denied",
}

// IsAuthFailure reports whether a provider error message or close reason
// means the credential was rejected.
func IsAuthFailure(msg string) bool {
	msg = strings.ToLower(msg)
	if strings.TrimSpace(msg) == "" {
		return false
	}
	for _, phrase := range authPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	return IsAuthFailure(err.Error())
}

func classifyFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsAuthError(err) {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return authErr
		}
		return &AuthError{Reason: err.Error(), Err: err}
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr
	}
	return &TransportError{Op: op, Err: err}
}
