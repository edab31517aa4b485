package authstate

import (
	"errors"
	"fmt"
)

// ErrorCode represents session error categories.
type ErrorCode string

const (
	ErrCodeMalformedToken   ErrorCode = "malformed_token"
	ErrCodeExpired          ErrorCode = "token_expired"
	ErrCodeInvalidIssuer    ErrorCode = "invalid_issuer"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeJWKSUnavailable  ErrorCode = "jwks_unavailable"
	ErrCodeNotAuthenticated ErrorCode = "not_authenticated"
	ErrCodeNoRefreshToken   ErrorCode = "no_refresh_token"
	ErrCodeRefreshFailed    ErrorCode = "refresh_failed"
	ErrCodeRefreshTimeout   ErrorCode = "refresh_timeout"
	ErrCodeInternal         ErrorCode = "internal_error"
)

// The messages are part of the observable contract; callers branch on them.
var errorMessages = map[ErrorCode]string{
	ErrCodeMalformedToken:   "Invalid token format",
	ErrCodeExpired:          "Token expired",
	ErrCodeInvalidIssuer:    "Invalid issuer",
	ErrCodeInvalidSignature: "Invalid signature",
	ErrCodeJWKSUnavailable:  "JWKS unavailable",
	ErrCodeNotAuthenticated: "Not authenticated",
	ErrCodeNoRefreshToken:   "No refresh token",
	ErrCodeRefreshFailed:    "Refresh failed",
	ErrCodeRefreshTimeout:   "refresh timed out",
	ErrCodeInternal:         "Internal error",
}

// Error wraps session errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Terminal reports whether the session cannot recover without the user
// authenticating again.
func (e *Error) Terminal() bool {
	switch e.Code {
	case ErrCodeInvalidIssuer, ErrCodeNoRefreshToken, ErrCodeNotAuthenticated, ErrCodeInvalidSignature:
		return true
	}
	return false
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// Reason returns the stable message of a session error, or err.Error() for
// foreign errors. It returns "" for nil.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Code)
	}
	return err.Error()
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
