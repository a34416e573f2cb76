package session

import "errors"

var (
	// ErrAccountDisabled is returned when credentials are requested for a disabled owner.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrInvalidCredential is returned when a presented refresh secret does not hash
	// to any known credential row. Callers surface it exactly like ErrCredentialExpired.
	ErrInvalidCredential = errors.New("invalid refresh credential")

	// ErrCredentialExpired is returned when the matched credential is past its expiry.
	ErrCredentialExpired = errors.New("refresh credential expired")

	// ErrReuseDetected is returned when a revoked (already rotated) refresh secret is
	// presented again. Every live credential of the owner is revoked before this is returned.
	ErrReuseDetected = errors.New("refresh credential reuse detected")

	// ErrExpiredToken is returned when an access token is well-formed but past expiry.
	ErrExpiredToken = errors.New("access token expired")

	// ErrMalformedToken is returned when an access token fails structural or signature checks.
	ErrMalformedToken = errors.New("access token malformed")

	// ErrSessionNotFound is returned for absent sessions and for sessions owned by
	// someone else, so that existence is never confirmed across owners.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnavailable is returned after a transient store failure survived the internal retry.
	ErrUnavailable = errors.New("auth store unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
