package acme

import (
	"fmt"
	"strings"
)

// ConfigError indicates missing or invalid options (for example an empty
// directory URL, an unparseable account key, or an Auto run without a CSR).
type ConfigError struct {
	// The name of the offending configuration field.
	Field string
	// A description of what was wrong with the field's value.
	Detail string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Detail)
}

// TransportError wraps a network level failure (connection refused, TLS
// error, unreadable body, non-JSON content where JSON was expected).
type TransportError struct {
	// The operation being performed when the failure occurred, e.g. "POST".
	Op string
	// The request URL.
	URL string
	// The underlying error.
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport: %s %q: %s", e.Op, e.URL, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError carries an ACME problem document returned by the server for
// a request whose HTTP status was outside the caller's allow-list. See
// https://tools.ietf.org/html/rfc8555#section-6.7
type ProtocolError struct {
	// The problem document "type" URN, e.g.
	// "urn:ietf:params:acme:error:badNonce".
	Type string
	// The problem document "detail" string, or a fallback serialization of the
	// response body when the server did not return a problem document.
	Detail string
	// The HTTP status code of the response.
	Status int
	// Any subproblems included in the problem document.
	Subproblems []ProtocolError
}

func (e ProtocolError) Error() string {
	msg := fmt.Sprintf("acme: error (status %d)", e.Status)
	if e.Type != "" {
		msg += fmt.Sprintf(" %s", e.Type)
	}
	if e.Detail != "" {
		msg += fmt.Sprintf(": %s", e.Detail)
	}
	return msg
}

// IsBadNonce is true when the server rejected the JWS anti-replay nonce.
// The transport recovers from one badNonce rejection per request before
// surfacing the error.
func (e ProtocolError) IsBadNonce() bool {
	return e.Type == ERROR_BAD_NONCE
}

// IsUserActionRequired is true when the server requires the user to visit
// an out-of-band URL (typically updated terms of service).
func (e ProtocolError) IsUserActionRequired() bool {
	return e.Type == ERROR_USER_ACTION_REQUIRED
}

// IsRateLimited is true when the request was refused for exceeding a server
// rate limit.
func (e ProtocolError) IsRateLimited() bool {
	return e.Type == ERROR_RATE_LIMITED
}

// IsUnauthorized is true when the account lacks authorization for the
// requested resource.
func (e ProtocolError) IsUnauthorized() bool {
	return e.Type == ERROR_UNAUTHORIZED
}

// StateError indicates an order, authorization or challenge reached
// a terminal "invalid" (or otherwise unusable) state. The Detail field holds
// the server-reported reason when one was given.
type StateError struct {
	// The kind of resource that failed: "order", "authorization" or
	// "challenge".
	Resource string
	// The URL of the failed resource.
	URL string
	// The status the resource ended in.
	Status string
	// The server-reported error detail, if any.
	Detail string
}

func (e StateError) Error() string {
	msg := fmt.Sprintf("acme: %s %q is status %q", e.Resource, e.URL, e.Status)
	if e.Detail != "" {
		msg += fmt.Sprintf(": %s", e.Detail)
	}
	return msg
}

// TimeoutError indicates a polling loop exhausted its retry attempts without
// the watched resource reaching the awaited state.
type TimeoutError struct {
	// How many attempts were made before giving up.
	Attempts int
	// The error from the final attempt.
	LastErr error
}

func (e TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("acme: gave up after %d attempts: %s", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("acme: gave up after %d attempts", e.Attempts)
}

func (e TimeoutError) Unwrap() error {
	return e.LastErr
}

// CancelledError indicates the caller cancelled the operation. It is
// surfaced only after registered challenge cleanup callbacks have run.
type CancelledError struct {
	// The context error that triggered cancellation.
	Err error
}

func (e CancelledError) Error() string {
	return fmt.Sprintf("acme: operation cancelled: %s", e.Err)
}

func (e CancelledError) Unwrap() error {
	return e.Err
}

// IsWildcardDomain is true for identifier values carrying a "*." prefix.
func IsWildcardDomain(value string) bool {
	return strings.HasPrefix(value, "*.")
}
