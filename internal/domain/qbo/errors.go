package qbo

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to the calling tool layer.
const (
	CodeConfiguration           = "configuration_error"
	CodeAuthenticationRequired  = "authentication_required"
	CodeTokenRefreshFailed      = "token_refresh_failed"
	CodeReauthorizationRequired = "reauthorization_required"
	CodeOAuthCallback           = "oauth_callback_error"
	CodeStorage                 = "storage_error"
	CodeRateLimited             = "rate_limited"
	CodeAPI                     = "api_error"
)

// Error is the classified error type crossing every component boundary. Code
// is stable across releases; Retryable tells callers whether repeating the
// same operation can succeed without operator intervention.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so sentinel values below work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Sentinel targets for errors.Is checks.
var (
	ErrConfiguration           = &Error{Code: CodeConfiguration, Message: "configuration incomplete"}
	ErrAuthenticationRequired  = &Error{Code: CodeAuthenticationRequired, Message: "authentication required"}
	ErrTokenRefreshFailed      = &Error{Code: CodeTokenRefreshFailed, Message: "token refresh failed", Retryable: true}
	ErrReauthorizationRequired = &Error{Code: CodeReauthorizationRequired, Message: "reauthorization required"}
	ErrOAuthCallback           = &Error{Code: CodeOAuthCallback, Message: "oauth callback failed"}
	ErrStorage                 = &Error{Code: CodeStorage, Message: "credential storage failed"}
	ErrRateLimited             = &Error{Code: CodeRateLimited, Message: "rate limited", Retryable: true}
	ErrAPI                     = &Error{Code: CodeAPI, Message: "api request failed"}
)

// ConfigurationError reports missing or invalid client credentials or storage
// settings. Never retryable.
func ConfigurationError(msg string) *Error {
	return &Error{Code: CodeConfiguration, Message: msg}
}

// AuthenticationRequiredError signals that no usable credential exists for
// the tenant, so the caller should offer the interactive flow.
func AuthenticationRequiredError(tenant string) *Error {
	msg := "no QuickBooks connection found; run authentication first"
	if tenant != "" {
		msg = fmt.Sprintf("no QuickBooks connection found for %q; run authentication first", tenant)
	}
	return &Error{Code: CodeAuthenticationRequired, Message: msg}
}

// TokenRefreshError wraps a transient refresh failure. Callers may retry the
// whole GetAccessToken call.
func TokenRefreshError(cause error) *Error {
	return &Error{Code: CodeTokenRefreshFailed, Message: "token refresh failed", Retryable: true, cause: cause}
}

// ReauthorizationRequiredError reports a refresh token the provider rejected
// as invalid. The stored record has been cleared; the interactive flow must
// be restarted.
func ReauthorizationRequiredError(realmID string, cause error) *Error {
	return &Error{
		Code:    CodeReauthorizationRequired,
		Message: fmt.Sprintf("refresh token for realm %s is no longer valid; reconnect the company", realmID),
		cause:   cause,
	}
}

// CallbackError covers CSRF mismatches, provider-reported denials, and
// malformed redirects. Always terminal for the listener instance.
func CallbackError(msg string) *Error {
	return &Error{Code: CodeOAuthCallback, Message: msg}
}

// StorageError wraps credential store write failures so a just-obtained token
// is never silently lost.
func StorageError(op string, cause error) *Error {
	return &Error{Code: CodeStorage, Message: op + " credentials", cause: cause}
}

// RateLimitError reports a 429 from the accounting API. Retryable at the
// caller's pace.
func RateLimitError(cause error) *Error {
	return &Error{Code: CodeRateLimited, Message: "QuickBooks API rate limit exceeded", Retryable: true, cause: cause}
}

// APIError wraps any other accounting API fault.
func APIError(statusCode int, cause error) *Error {
	return &Error{Code: CodeAPI, Message: fmt.Sprintf("QuickBooks API request failed with status %d", statusCode), cause: cause}
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
